package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	somaFMName     = "somafm"
	somaFMBaseURL  = "https://api.somafm.com"
	somaFMHomePage = "https://somafm.com/"
)

var somaFMGenres = []string{
	"ambient", "americana", "bossa nova", "chillout", "downtempo", "electronic",
	"folk", "house", "jazz", "lounge", "metal", "news", "oldies", "pop",
	"reggae", "rock", "world",
}

func init() {
	Register(somaFMName, func() Provider { return NewSomaFM() })
}

type somaPlaylist struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type somaChannel struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Genre       string         `json:"genre"` // pipe separated
	Image       string         `json:"image"`
	Playlists   []somaPlaylist `json:"playlists"`
	Listeners   string         `json:"listeners"`
}

// bestPlaylist prefers the highest quality MP3 playlist and falls back to
// the first one listed.
func (c *somaChannel) bestPlaylist() (somaPlaylist, bool) {
	for _, p := range c.Playlists {
		if p.Format == "mp3" && p.Quality == "highest" {
			return p, true
		}
	}
	if len(c.Playlists) > 0 {
		return c.Playlists[0], true
	}
	return somaPlaylist{}, false
}

func (c *somaChannel) genres() []string {
	var out []string
	for _, g := range strings.Split(c.Genre, "|") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

func (c *somaChannel) matches(capability, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	switch capability {
	case CapabilityName:
		return strings.Contains(strings.ToLower(c.Title), query) ||
			strings.Contains(strings.ToLower(c.ID), query)
	case CapabilityGenre:
		for _, g := range c.genres() {
			if strings.Contains(strings.ToLower(g), query) {
				return true
			}
		}
	}
	return false
}

// SomaFM searches the SomaFM channel list.
type SomaFM struct {
	client *resty.Client
}

func NewSomaFM() *SomaFM {
	return &SomaFM{
		client: resty.New().
			SetBaseURL(somaFMBaseURL).
			SetTimeout(config.DefaultHTTPTimeout).
			SetHeader("User-Agent", config.UserAgent()),
	}
}

func (s *SomaFM) Name() string     { return somaFMName }
func (s *SomaFM) HomePage() string { return somaFMHomePage }

func (s *SomaFM) Capabilities() []Capability {
	return []Capability{
		{Name: CapabilityName},
		{Name: CapabilityGenre, Keywords: somaFMGenres},
	}
}

func (s *SomaFM) channels(ctx context.Context) ([]somaChannel, error) {
	resp, err := s.client.R().SetContext(ctx).Get("/channels.json")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channels: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		Channels []somaChannel `json:"channels"`
	}
	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse channels response: %w", err)
	}
	return response.Channels, nil
}

// Find returns the channels matching query, most listened first. An empty
// query matches every channel.
func (s *SomaFM) Find(ctx context.Context, capability, query string) ([]*station.Station, error) {
	if capability != CapabilityName && capability != CapabilityGenre {
		return nil, fmt.Errorf("%s %q: %w", somaFMName, capability, ErrUnknownCapability)
	}

	channels, err := s.channels(ctx)
	if err != nil {
		return nil, err
	}

	var matched []somaChannel
	for _, ch := range channels {
		if ch.matches(capability, query) {
			matched = append(matched, ch)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		li, _ := strconv.Atoi(matched[i].Listeners)
		lj, _ := strconv.Atoi(matched[j].Listeners)
		return li > lj
	})

	stations := make([]*station.Station, 0, len(matched))
	for i := range matched {
		if st := matched[i].toStation(); st != nil {
			stations = append(stations, st)
		}
	}

	log.Debug().
		Str("capability", capability).
		Str("query", query).
		Int("results", len(stations)).
		Msg("SomaFM search completed")
	return stations, nil
}

func (c *somaChannel) toStation() *station.Station {
	pls, ok := c.bestPlaylist()
	if !ok {
		return nil
	}

	st := station.New(c.Title, "")
	st.SetSource(pls.URL)
	st.SetStationURL(somaFMHomePage + c.ID + "/")
	st.SetGenre(strings.Join(c.genres(), ", "))
	st.SetCountry("US")
	st.SetLanguage("en")
	st.SetIdentifier(somaFMName + ":" + c.ID)

	switch pls.Format {
	case "mp3":
		st.SetMime("audio/mpeg")
		st.SetEncoding("mp3")
	case "aac", "aacp":
		st.SetMime("audio/aac")
		st.SetEncoding("aac")
	}
	st.CheckFlags()
	return st
}
