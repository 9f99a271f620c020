package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	radioBrowserName     = "radiobrowser"
	radioBrowserBaseURL  = "https://all.api.radio-browser.info"
	radioBrowserHomePage = "https://www.radio-browser.info"
	radioBrowserLimit    = "200"
)

// radioBrowserPaths maps each capability to its station search endpoint.
var radioBrowserPaths = map[string]string{
	CapabilityName:        "byname",
	CapabilityTag:         "bytag",
	CapabilityLanguage:    "bylanguage",
	CapabilityCountry:     "bycountry",
	CapabilityCountryCode: "bycountrycodeexact",
	CapabilityState:       "bystate",
	CapabilityIdentifier:  "byuuid",
}

func init() {
	Register(radioBrowserName, func() Provider { return NewRadioBrowser() })
}

type radioBrowserStation struct {
	UUID        string  `json:"stationuuid"`
	Name        string  `json:"name"`
	URL         string  `json:"url"`
	Homepage    string  `json:"homepage"`
	Favicon     string  `json:"favicon"`
	Tags        string  `json:"tags"` // comma separated
	Country     string  `json:"country"`
	CountryCode string  `json:"countrycode"`
	Language    string  `json:"language"`
	Codec       string  `json:"codec"`
	Bitrate     float64 `json:"bitrate"` // kbit/s
}

// RadioBrowser searches the community radio-browser.info directory.
type RadioBrowser struct {
	client *resty.Client
}

func NewRadioBrowser() *RadioBrowser {
	return &RadioBrowser{
		client: resty.New().
			SetBaseURL(radioBrowserBaseURL).
			SetTimeout(config.DefaultHTTPTimeout).
			SetHeader("User-Agent", config.UserAgent()),
	}
}

func (r *RadioBrowser) Name() string     { return radioBrowserName }
func (r *RadioBrowser) HomePage() string { return radioBrowserHomePage }

func (r *RadioBrowser) Capabilities() []Capability {
	return []Capability{
		{Name: CapabilityName},
		{Name: CapabilityTag},
		{Name: CapabilityLanguage},
		{Name: CapabilityCountry},
		{Name: CapabilityCountryCode},
		{Name: CapabilityState},
		{Name: CapabilityIdentifier},
	}
}

// Find returns the stations matching query, most voted first.
func (r *RadioBrowser) Find(ctx context.Context, capability, query string) ([]*station.Station, error) {
	path, ok := radioBrowserPaths[capability]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", radioBrowserName, capability, ErrUnknownCapability)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"by": path, "query": strings.TrimSpace(query)}).
		SetQueryParams(map[string]string{
			"hidebroken": "true",
			"order":      "votes",
			"reverse":    "true",
			"limit":      radioBrowserLimit,
		}).
		Get("/json/stations/{by}/{query}")
	if err != nil {
		return nil, fmt.Errorf("failed to search stations: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var found []radioBrowserStation
	if err := json.Unmarshal(resp.Body(), &found); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	stations := make([]*station.Station, 0, len(found))
	for i := range found {
		if st := found[i].toStation(); st != nil {
			stations = append(stations, st)
		}
	}

	log.Debug().
		Str("capability", capability).
		Str("query", query).
		Int("results", len(stations)).
		Msg("Radio browser search completed")
	return stations, nil
}

func (s *radioBrowserStation) toStation() *station.Station {
	name := strings.TrimSpace(s.Name)
	if name == "" || s.URL == "" {
		return nil
	}

	st := station.New(name, "")
	st.SetSource(s.URL)
	st.SetStationURL(s.Homepage)
	st.SetGenre(joinTags(s.Tags))
	if s.Country != "" {
		st.SetCountry(s.Country)
	} else {
		st.SetCountry(s.CountryCode)
	}
	st.SetLanguage(s.Language)
	st.SetBitrate(int(s.Bitrate * 1000))
	st.SetIdentifier(s.UUID)

	switch strings.ToUpper(s.Codec) {
	case "MP3":
		st.SetMime("audio/mpeg")
		st.SetEncoding("mp3")
	case "AAC", "AAC+":
		st.SetMime("audio/aac")
		st.SetEncoding("aac")
	case "OGG":
		st.SetMime("application/ogg")
		st.SetEncoding("vorbis")
	case "FLAC":
		st.SetMime("audio/flac")
		st.SetEncoding("flac")
	}
	st.CheckFlags()
	return st
}

func joinTags(tags string) string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ", ")
}
