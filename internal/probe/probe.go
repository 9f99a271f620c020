// Package probe classifies station URLs and fills in a station's format
// fields from the stream's response headers and first bytes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/metrics"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"
)

const (
	// ResolveTTL is how long a playlist resolution is reused.
	ResolveTTL      = 5 * time.Minute
	resolveCacheMax = 1024
)

var (
	// ErrTimedOut is returned when the host accepted the connection but sent
	// no response headers.
	ErrTimedOut = errors.New("stream sent no headers")
	ErrNoSource = errors.New("station has no playlist source")
)

type Fetcher interface {
	GetAll(ctx context.Context, rawURL string, opts fetch.Options) (*fetch.Result, error)
}

// Checker pins a URL to a reachable address.
type Checker interface {
	CheckPort(ctx context.Context, rawURL string) (string, error)
}

// LogoLoader fetches station logos, usually through the logo cache.
type LogoLoader interface {
	Load(ctx context.Context, url string) (image.Image, error)
}

type Options struct {
	Timeout           time.Duration
	SizeLimit         int64
	PlaylistSizeLimit int64
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = config.DefaultProbeTimeout
	}
	if o.SizeLimit <= 0 {
		o.SizeLimit = config.DefaultProbeSizeLimit
	}
	if o.PlaylistSizeLimit <= 0 {
		o.PlaylistSizeLimit = config.DefaultPlaylistSizeLimit
	}
	return o
}

type Prober struct {
	fetcher  Fetcher
	checker  Checker
	logos    LogoLoader
	opts     Options
	resolved *otter.Cache[string, string]
}

// New creates a Prober. checker and logos may be nil; without a checker
// plain HTTP streams are fetched by host name.
func New(fetcher Fetcher, checker Checker, logos LogoLoader, opts Options) *Prober {
	return &Prober{
		fetcher: fetcher,
		checker: checker,
		logos:   logos,
		opts:    opts.withDefaults(),
		resolved: otter.Must(&otter.Options[string, string]{
			MaximumSize:      resolveCacheMax,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ResolveTTL),
		}),
	}
}

// isPlaylistType reports content types that carry a playlist even though
// they live under audio/.
func isPlaylistType(mediaType string) bool {
	return strings.Contains(mediaType, "mpegurl") ||
		strings.Contains(mediaType, "scpls") ||
		strings.Contains(mediaType, "x-pls")
}

func isAudioStream(mediaType string) bool {
	return strings.HasPrefix(mediaType, "audio/") && !isPlaylistType(mediaType)
}

// RetrieveStreamURL resolves the station's playlist source into its stream URL.
func (p *Prober) RetrieveStreamURL(ctx context.Context, st *station.Station) error {
	src := st.Source()
	if src == "" {
		return ErrNoSource
	}

	if ref, ok := p.resolved.GetIfPresent(src); ok {
		log.Debug().Str("source", src).Str("stream", ref).Msg("Playlist resolution cached")
		st.SetStreamURL(ref)
		return nil
	}

	res, err := p.fetcher.GetAll(ctx, src, fetch.Options{
		Accept:    "*/*",
		SizeLimit: p.opts.PlaylistSizeLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to retrieve playlist: %w", err)
	}
	if res.StatusCode >= 400 {
		return &fetch.StatusError{StatusCode: res.StatusCode, Status: http.StatusText(res.StatusCode)}
	}

	if isAudioStream(res.MediaType()) {
		st.SetStreamURL(src)
	} else if err := st.ParseURLReference(res.Body, res.URL); err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	p.resolved.Set(src, st.StreamURL())
	return nil
}

// Probe fetches the head of the station's stream and updates the station
// from the response headers and the bytes received.
func (p *Prober) Probe(ctx context.Context, st *station.Station) error {
	err := p.probe(ctx, st)
	result := "ok"
	switch {
	case errors.Is(err, ErrTimedOut):
		result = "timeout"
	case err != nil:
		result = "failed"
	}
	metrics.Probes.WithLabelValues(result).Inc()
	return err
}

func (p *Prober) probe(ctx context.Context, st *station.Station) error {
	if st.Source() != "" {
		if err := p.RetrieveStreamURL(ctx, st); err != nil {
			log.Debug().Err(err).Str("station", st.Name()).Msg("Keeping stored stream url")
		}
	}

	target := st.StreamURL()
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%q: %w", target, station.ErrUnusable)
	}

	opts := fetch.Options{
		Accept:    "audio/*",
		Timeout:   p.opts.Timeout,
		SizeLimit: p.opts.SizeLimit,
	}

	// Certificates are bound to the host name, so https is fetched as is.
	if u.Scheme != "https" && p.checker != nil {
		pinned, err := p.checker.CheckPort(ctx, target)
		if err != nil {
			return err
		}
		if pinned != target {
			target = pinned
			opts.Host = u.Host
		}
	}

	res, err := p.fetcher.GetAll(ctx, target, opts)
	if err != nil {
		st.ClearFlags(station.URIValid)
		if errors.Is(err, fetch.ErrNoHeaders) {
			return fmt.Errorf("%s: %w", target, ErrTimedOut)
		}
		return err
	}
	if res.StatusCode >= 400 {
		st.ClearFlags(station.URIValid)
		return &fetch.StatusError{StatusCode: res.StatusCode, Status: http.StatusText(res.StatusCode)}
	}

	applyHeaders(st, res)
	st.CheckFlags()
	st.SetUnsaved(true)

	if err := ProbeBuffer(st, res.Body); err != nil {
		log.Debug().Err(err).Str("station", st.Name()).Msg("Stream format not recognized")
	}

	log.Info().
		Str("station", st.Name()).
		Str("mime", st.Mime()).
		Int("bitrate", st.Bitrate()).
		Int("samplerate", st.SampleRate()).
		Int("channels", st.Channels()).
		Msg("Station probed")
	return nil
}

func applyHeaders(st *station.Station, res *fetch.Result) {
	h := res.Header

	if mt := res.MediaType(); mt != "" {
		st.SetMime(mt)
	}
	if name := strings.TrimSpace(h.Get("Icy-Name")); name != "" && st.Name() == "" {
		st.SetName(name)
	}
	if br := leadingInt(h.Get("Icy-Br")); br > 0 {
		st.SetBitrate(br * 1000)
	}
	if genre := strings.TrimSpace(h.Get("Icy-Genre")); genre != "" {
		st.SetGenre(genre)
	}
	if home := strings.TrimSpace(h.Get("Icy-Url")); home != "" {
		st.SetStationURL(home)
	}

	if info := h.Get("Ice-Audio-Info"); info != "" {
		for _, item := range strings.Split(info, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
			if !ok {
				continue
			}
			n := leadingInt(value)
			switch strings.ToLower(key) {
			case "ice-samplerate":
				st.SetSampleRate(n)
			case "ice-bitrate":
				st.SetBitrate(n * 1000)
			case "ice-channels":
				st.SetChannels(n)
			}
		}
	}

	if mi := leadingInt(h.Get("Icy-Metaint")); mi > 0 {
		st.SetMetaInterval(mi)
	}
}

// leadingInt parses the decimal digits at the start of s, so "128,128"
// reads as 128.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
