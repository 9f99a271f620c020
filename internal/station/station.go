// Package station defines the radio station record shared by the station
// list, the probe and an active playback session.
package station

import (
	"errors"
	"image"
	"net/url"
	"strings"
	"sync"
)

// Flags record which station fields are known to be valid.
type Flags uint32

const (
	HasName Flags = 1 << iota
	HasURI
	URIValid
	HasEncoding
	HasBitrate
	HasFormat
	HasMeta
	HasIdentifier
)

// ErrUnusable is returned by InitCheck for stations lacking a name or a
// stream host.
var ErrUnusable = errors.New("station needs a name and a stream url")

// Station is safe for concurrent use. A permanent redirect observed during
// playback rewrites the stream URL while the list may be reading it.
type Station struct {
	mu sync.RWMutex

	name       string
	streamURL  string
	stationURL string
	source     string
	genre      string
	country    string
	language   string
	mime       string
	encoding   string
	identifier string

	bitrate      int
	sampleRate   int
	channels     int
	frameSize    int
	metaInterval int
	rating       int

	logo    image.Image
	flags   Flags
	unsaved bool
}

func New(name, streamURL string) *Station {
	s := &Station{streamURL: streamURL, unsaved: true}
	s.name = CleanName(name)
	s.checkFlagsLocked()
	return s
}

// Clone returns an unsaved copy. The playlist source is not carried over.
func (s *Station) Clone() *Station {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Station{
		name:         s.name,
		streamURL:    s.streamURL,
		stationURL:   s.stationURL,
		genre:        s.genre,
		country:      s.country,
		language:     s.language,
		mime:         s.mime,
		encoding:     s.encoding,
		identifier:   s.identifier,
		bitrate:      s.bitrate,
		sampleRate:   s.sampleRate,
		channels:     s.channels,
		frameSize:    s.frameSize,
		metaInterval: s.metaInterval,
		rating:       s.rating,
		logo:         s.logo,
		unsaved:      true,
	}
	c.checkFlagsLocked()
	return c
}

func (s *Station) InitCheck() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flags&(HasName|HasURI) != HasName|HasURI {
		return ErrUnusable
	}
	return nil
}

// CleanName strips a leading "(#n)" ranking prefix and characters that are
// not allowed in a station file name.
func CleanName(name string) string {
	if strings.HasPrefix(name, "(#") {
		if i := strings.IndexByte(name, ')'); i >= 0 {
			name = strings.TrimSpace(name[i+1:])
		}
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', '#', '?':
			return -1
		}
		return r
	}, name)
}

// CheckFlags recomputes the flags from the current field values.
func (s *Station) CheckFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkFlagsLocked()
}

func (s *Station) checkFlagsLocked() {
	var f Flags

	if s.name != "" {
		f |= HasName
	}
	if u, err := url.Parse(s.streamURL); err == nil && s.streamURL != "" {
		if u.Host != "" {
			f |= HasURI
		}
		if u.Scheme != "" {
			f |= URIValid
		}
	}
	if s.bitrate != 0 {
		f |= HasBitrate
	}
	if validMime(s.mime) && s.encoding != "" {
		f |= HasEncoding
	}
	if s.channels != 0 && s.sampleRate != 0 {
		f |= HasFormat
	}
	if s.metaInterval != 0 {
		f |= HasMeta
	}
	if s.identifier != "" {
		f |= HasIdentifier
	}

	s.flags = f
}

func validMime(mime string) bool {
	slash := strings.IndexByte(mime, '/')
	return slash > 0 && slash < len(mime)-1
}

func (s *Station) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

func (s *Station) HasFlags(f Flags) bool {
	return s.Flags()&f == f
}

// ClearFlags removes f without recomputing the others.
func (s *Station) ClearFlags(f Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags &^= f
}

func (s *Station) IsUnsaved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unsaved
}

func (s *Station) SetUnsaved(unsaved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsaved = unsaved
}

func (s *Station) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Station) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := CleanName(name)
	if clean == s.name {
		return
	}
	s.name = clean
	if clean == "" {
		s.flags &^= HasName
	} else {
		s.flags |= HasName
	}
	s.unsaved = true
}

func (s *Station) StreamURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamURL
}

func (s *Station) SetStreamURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamURL = u
	s.checkFlagsLocked()
	s.unsaved = true
}

func (s *Station) StationURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stationURL
}

func (s *Station) SetStationURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stationURL = u
}

func (s *Station) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Station) SetSource(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = u
}

func (s *Station) Genre() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genre
}

func (s *Station) SetGenre(g string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genre = g
}

func (s *Station) Country() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.country
}

func (s *Station) SetCountry(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.country = c
}

func (s *Station) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

func (s *Station) SetLanguage(l string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = l
}

func (s *Station) Mime() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mime
}

func (s *Station) SetMime(m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mime = m
}

// Encoding is the codec identifier, e.g. "mp3" or "vorbis".
func (s *Station) Encoding() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encoding
}

func (s *Station) SetEncoding(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoding = e
}

func (s *Station) Identifier() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identifier
}

func (s *Station) SetIdentifier(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifier = id
	if id != "" {
		s.flags |= HasIdentifier
	} else {
		s.flags &^= HasIdentifier
	}
}

// Bitrate is in bits per second.
func (s *Station) Bitrate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bitrate
}

func (s *Station) SetBitrate(b int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = b
}

func (s *Station) SampleRate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampleRate
}

func (s *Station) SetSampleRate(r int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = r
}

func (s *Station) Channels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels
}

func (s *Station) SetChannels(c int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = c
}

func (s *Station) FrameSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frameSize
}

func (s *Station) SetFrameSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameSize = n
}

// MetaInterval is the icy-metaint announced by the server.
func (s *Station) MetaInterval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metaInterval
}

func (s *Station) SetMetaInterval(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaInterval = n
}

func (s *Station) Rating() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rating
}

func (s *Station) SetRating(r int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rating = r
}

func (s *Station) Logo() image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logo
}

func (s *Station) SetLogo(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logo = img
}
