package streamio

import (
	"bytes"
	"strings"

	"github.com/glebovdev/streamradio/internal/station"
	"github.com/grafana/regexp"
)

// MetaChanged is posted whenever an in-band metadata block was parsed.
type MetaChanged struct {
	Station *station.Station
	Name    string
	Fields  map[string]string
}

// StreamTitle is the "now playing" text, if the block carried one.
func (m MetaChanged) StreamTitle() string {
	return m.Fields["streamtitle"]
}

var metaPairPattern = regexp.MustCompile(`([^=]*)='(([^']|'[^;])*)';`)

// ParseMetadata splits a metadata block of key='value'; pairs. Keys are
// lower-cased. An empty streamtitle is replaced with icyName.
func ParseMetadata(block []byte, icyName string) map[string]string {
	if i := bytes.IndexByte(block, 0); i >= 0 {
		block = block[:i]
	}

	fields := make(map[string]string)
	for _, m := range metaPairPattern.FindAllSubmatch(block, -1) {
		key := strings.ToLower(strings.TrimSpace(string(m[1])))
		if key == "" {
			continue
		}
		value := string(m[2])
		if key == "streamtitle" && value == "" {
			value = icyName
		}
		fields[key] = value
	}
	return fields
}
