package station

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/rs/zerolog/log"
)

var ErrNoReference = errors.New("no stream reference found")

var (
	// Tried in order; the first match wins.
	referencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^file[0-9]+=([^\r\n]*)`),
		regexp.MustCompile(`(?im)^(https?://[^\r\n]+)`),
		regexp.MustCompile(`(?m)^([^#\[\s][^\r\n]*)`),
	}
	titlePattern = regexp.MustCompile(`(?im)^title[0-9]+=([^\r\n]*)`)
)

// ParseURLReference extracts a stream URL from a playlist body (pls, m3u,
// HLS or a bare URL) and sets it as the stream URL, resolved against base.
// A pls title entry renames the station.
func (s *Station) ParseURLReference(body []byte, base string) error {
	ref, title, err := ParseReference(body, base)
	if err != nil {
		return err
	}

	s.SetStreamURL(ref)
	if title != "" {
		s.SetName(title)
	}
	return nil
}

// ParseReference returns the absolute stream URL and optional title found in
// a playlist body.
func ParseReference(body []byte, base string) (ref string, title string, err error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("invalid base url %q: %w", base, err)
	}

	if ref, ok := hlsReference(body, baseURL); ok {
		return ref, "", nil
	}

	for _, re := range referencePatterns {
		m := re.FindSubmatch(body)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(string(m[1]))
		if candidate == "" {
			continue
		}
		resolved, err := baseURL.Parse(candidate)
		if err != nil {
			log.Debug().Err(err).Str("ref", candidate).Msg("Skipping unparsable playlist entry")
			continue
		}

		if t := titlePattern.FindSubmatch(body); t != nil {
			title = strings.TrimSpace(string(t[1]))
		}
		return resolved.String(), title, nil
	}

	return "", "", ErrNoReference
}

// hlsReference handles HLS playlists: a master playlist resolves to its
// highest-bandwidth variant, a media playlist is itself the stream.
func hlsReference(body []byte, base *url.URL) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) || !bytes.Contains(trimmed, []byte("#EXT-X-")) {
		return "", false
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(trimmed), false)
	if err != nil {
		log.Debug().Err(err).Msg("HLS playlist did not decode, falling back to line patterns")
		return "", false
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil {
				break
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil || best.URI == "" {
			return "", false
		}
		resolved, err := base.Parse(best.URI)
		if err != nil {
			return "", false
		}
		return resolved.String(), true
	case m3u8.MEDIA:
		return base.String(), true
	}
	return "", false
}
