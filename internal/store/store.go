// Package store persists stations as playlist files with a YAML sidecar
// and an optional logo in the stations directory.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/glebovdev/streamradio/internal/station"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"
)

const (
	PlaylistExt   = ".pls"
	AttributesExt = ".pls.yml"
	LogoExt       = ".png"
	IconExt       = ".icon.png"

	// MaxPlaylistSize bounds a stored playlist body.
	MaxPlaylistSize = 10000
	IconSize        = 32
)

var (
	ErrTooLarge = errors.New("playlist file too large")
	ErrNotFound = errors.New("station not found")
	ErrBadName  = errors.New("invalid station name")
)

// attributes is the sidecar record next to each playlist file.
type attributes struct {
	URL        string `yaml:"url"`
	StationURL string `yaml:"stationurl,omitempty"`
	Genre      string `yaml:"genre,omitempty"`
	Country    string `yaml:"country,omitempty"`
	Language   string `yaml:"language,omitempty"`
	Bitrate    int    `yaml:"bitrate,omitempty"`
	SampleRate int    `yaml:"samplerate,omitempty"`
	Channels   int    `yaml:"channels,omitempty"`
	FrameSize  int    `yaml:"framesize,omitempty"`
	Rating     int    `yaml:"rating,omitempty"`
	Interval   int    `yaml:"interval,omitempty"`
	Mime       string `yaml:"mime,omitempty"`
	Encoding   string `yaml:"encoding,omitempty"`
	Source     string `yaml:"source,omitempty"`
	Identifier string `yaml:"uniqueidentifier,omitempty"`
}

type Store struct {
	fs  afero.Fs
	dir string
}

func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// NewOS opens a store on the local filesystem, creating dir if needed.
func NewOS(dir string) (*Store, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stations directory: %w", err)
	}
	return New(fs, dir), nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name, ext string) string {
	return filepath.Join(s.dir, name+ext)
}

func (s *Store) Exists(name string) bool {
	ok, _ := afero.Exists(s.fs, s.path(name, PlaylistExt))
	return ok
}

// Load reads the station stored under name.
func (s *Store) Load(name string) (*station.Station, error) {
	plsPath := s.path(name, PlaylistExt)

	info, err := s.fs.Stat(plsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", plsPath, err)
	}

	var attr attributes
	data, err := afero.ReadFile(s.fs, s.path(name, AttributesExt))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &attr); err != nil {
			return nil, fmt.Errorf("failed to parse attributes of %s: %w", name, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read attributes of %s: %w", name, err)
	}

	st := station.New(name, attr.URL)
	if attr.URL == "" {
		if info.Size() > MaxPlaylistSize {
			return nil, fmt.Errorf("%s: %w", plsPath, ErrTooLarge)
		}
		body, err := afero.ReadFile(s.fs, plsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", plsPath, err)
		}
		ref, _, err := station.ParseReference(body, "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", plsPath, err)
		}
		st.SetStreamURL(ref)
	}

	st.SetStationURL(attr.StationURL)
	st.SetGenre(attr.Genre)
	st.SetCountry(attr.Country)
	st.SetLanguage(attr.Language)
	st.SetBitrate(attr.Bitrate)
	st.SetSampleRate(attr.SampleRate)
	st.SetChannels(attr.Channels)
	st.SetFrameSize(attr.FrameSize)
	st.SetRating(attr.Rating)
	st.SetMetaInterval(attr.Interval)
	st.SetMime(attr.Mime)
	st.SetEncoding(attr.Encoding)
	st.SetSource(attr.Source)
	st.SetIdentifier(attr.Identifier)

	if logo := s.loadLogo(name); logo != nil {
		st.SetLogo(logo)
	}

	st.CheckFlags()
	if err := st.InitCheck(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	st.SetUnsaved(false)
	return st, nil
}

func (s *Store) loadLogo(name string) image.Image {
	f, err := s.fs.Open(s.path(name, LogoExt))
	if err != nil {
		return nil
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		log.Debug().Err(err).Str("station", name).Msg("Failed to decode station logo")
		return nil
	}
	return img
}

// LoadAll reads every station in the directory, skipping unusable records.
func (s *Store) LoadAll() ([]*station.Station, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stations directory: %w", err)
	}

	var stations []*station.Station
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), PlaylistExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), PlaylistExt)
		st, err := s.Load(name)
		if err != nil {
			log.Warn().Err(err).Str("station", name).Msg("Skipping station")
			continue
		}
		stations = append(stations, st)
	}

	sort.Slice(stations, func(i, j int) bool {
		return strings.ToLower(stations[i].Name()) < strings.ToLower(stations[j].Name())
	})
	return stations, nil
}

// Save writes the station under its name and clears its unsaved mark.
func (s *Store) Save(st *station.Station) error {
	if err := st.InitCheck(); err != nil {
		return err
	}
	name := st.Name()

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create stations directory: %w", err)
	}

	pls := fmt.Sprintf("[playlist]\nNumberOfEntries=1\nFile1=%s\n", st.StreamURL())
	if err := s.writeAtomic(s.path(name, PlaylistExt), []byte(pls)); err != nil {
		return err
	}

	attr := attributes{
		URL:        st.StreamURL(),
		StationURL: st.StationURL(),
		Genre:      st.Genre(),
		Country:    st.Country(),
		Language:   st.Language(),
		Bitrate:    st.Bitrate(),
		SampleRate: st.SampleRate(),
		Channels:   st.Channels(),
		FrameSize:  st.FrameSize(),
		Rating:     st.Rating(),
		Interval:   st.MetaInterval(),
		Mime:       st.Mime(),
		Encoding:   st.Encoding(),
		Source:     st.Source(),
		Identifier: st.Identifier(),
	}
	data, err := yaml.Marshal(&attr)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	if err := s.writeAtomic(s.path(name, AttributesExt), data); err != nil {
		return err
	}

	if logo := st.Logo(); logo != nil {
		if err := s.saveLogo(name, logo); err != nil {
			return err
		}
	}

	st.SetUnsaved(false)
	log.Debug().Str("station", name).Msg("Station saved")
	return nil
}

func (s *Store) saveLogo(name string, logo image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, logo); err != nil {
		return fmt.Errorf("failed to encode logo: %w", err)
	}
	if err := s.writeAtomic(s.path(name, LogoExt), buf.Bytes()); err != nil {
		return err
	}

	buf.Reset()
	if err := png.Encode(&buf, Icon(logo)); err != nil {
		return fmt.Errorf("failed to encode icon: %w", err)
	}
	return s.writeAtomic(s.path(name, IconExt), buf.Bytes())
}

// Icon scales a logo down to the list icon size.
func Icon(logo image.Image) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, IconSize, IconSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), logo, logo.Bounds(), draw.Over, nil)
	return dst
}

// writeAtomic writes to a temp file and renames it into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(path), ".station-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = s.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}

	success = true
	return nil
}

// Remove deletes every file stored for name.
func (s *Store) Remove(name string) error {
	if !s.Exists(name) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	for _, ext := range []string{PlaylistExt, AttributesExt, LogoExt, IconExt} {
		if err := s.fs.Remove(s.path(name, ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", s.path(name, ext), err)
		}
	}
	log.Debug().Str("station", name).Msg("Station removed")
	return nil
}

// Rename stores st under newName and drops the files of its old name.
func (s *Store) Rename(st *station.Station, newName string) error {
	oldName := st.Name()
	newName = station.CleanName(strings.TrimSpace(newName))
	if newName == "" {
		return ErrBadName
	}
	if newName == oldName {
		return nil
	}
	if s.Exists(newName) {
		return fmt.Errorf("station %q already exists", newName)
	}

	st.SetName(newName)
	if err := s.Save(st); err != nil {
		st.SetName(oldName)
		return err
	}
	if s.Exists(oldName) {
		return s.Remove(oldName)
	}
	return nil
}
