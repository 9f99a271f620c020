package probe

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/grafana/regexp"
	"github.com/pborman/uuid"
	"github.com/rs/zerolog/log"
)

// HomePageSizeLimit bounds the home page read for a station's title and icon.
const HomePageSizeLimit = 100000

// DefaultStationName names stations whose home page has no title.
const DefaultStationName = "New Station"

var (
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title[^>]*>`)
	iconPattern  = regexp.MustCompile(`(?is)<link\s+[^>]*?rel="(?:shortcut )?icon"[^>]*?href="([^"]*)"`)
)

// LoadIndirect builds a station from a playlist or stream URL. The station's
// name and logo come from the home page of the stream host.
func (p *Prober) LoadIndirect(ctx context.Context, rawURL string) (*station.Station, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid station url %q", rawURL)
	}

	st := station.New("", "")
	st.SetSource(rawURL)

	res, err := p.fetcher.GetAll(ctx, rawURL, fetch.Options{
		Accept:    "*/*",
		SizeLimit: p.opts.PlaylistSizeLimit,
	})
	if err != nil {
		return nil, err
	}

	if isAudioStream(res.MediaType()) {
		st.SetStreamURL(rawURL)
	} else if err := st.ParseURLReference(res.Body, res.URL); err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	p.resolved.Set(rawURL, st.StreamURL())

	stream, err := url.Parse(st.StreamURL())
	if err != nil || stream.Host == "" {
		return nil, fmt.Errorf("%q: %w", st.StreamURL(), station.ErrUnusable)
	}

	home := &url.URL{Scheme: stream.Scheme, Host: stream.Host, Path: "/"}
	p.readHomePage(ctx, st, home)

	if st.Name() == "" {
		st.SetName(DefaultStationName)
	}
	st.SetIdentifier(uuid.New())
	st.CheckFlags()
	return st, nil
}

func (p *Prober) readHomePage(ctx context.Context, st *station.Station, home *url.URL) {
	res, err := p.fetcher.GetAll(ctx, home.String(), fetch.Options{
		Accept:    "text/html,*/*",
		SizeLimit: HomePageSizeLimit,
	})
	if err != nil || res.StatusCode >= 300 {
		log.Debug().Err(err).Str("url", home.String()).Msg("No station home page")
		return
	}
	st.SetStationURL(home.String())

	if m := titlePattern.FindSubmatch(res.Body); m != nil {
		if title := strings.TrimSpace(html.UnescapeString(string(m[1]))); title != "" {
			st.SetName(title)
		}
	}

	if p.logos == nil {
		return
	}
	iconURL := home.ResolveReference(&url.URL{Path: "/favicon.ico"})
	if m := iconPattern.FindSubmatch(res.Body); m != nil {
		if ref, err := url.Parse(html.UnescapeString(string(m[1]))); err == nil {
			iconURL = home.ResolveReference(ref)
		}
	}

	logo, err := p.logos.Load(ctx, iconURL.String())
	if err != nil {
		log.Debug().Err(err).Str("url", iconURL.String()).Msg("No station logo")
		return
	}
	st.SetLogo(logo)
}
