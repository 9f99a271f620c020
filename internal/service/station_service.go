// Package service owns the station list: loading and saving it, adding
// stations from search results or URLs, and probing them in the background.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebovdev/streamradio/internal/config"
	"github.com/glebovdev/streamradio/internal/finder"
	"github.com/glebovdev/streamradio/internal/notify"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
)

var (
	ErrExists   = errors.New("station already exists")
	ErrNotFound = errors.New("station not found")
	ErrNoFinder = errors.New("no station finder configured")
)

// StationUpdated is posted after each background probe.
type StationUpdated struct {
	Station *station.Station
	Err     error
}

type Prober interface {
	Probe(ctx context.Context, st *station.Station) error
	LoadIndirect(ctx context.Context, rawURL string) (*station.Station, error)
}

type Store interface {
	LoadAll() ([]*station.Station, error)
	Save(st *station.Station) error
	Remove(name string) error
	Rename(st *station.Station, newName string) error
}

type Options struct {
	// Workers bounds concurrent probes.
	Workers int
	// Rate is the number of probes started per second, 0 for no limit.
	Rate int
}

// StationService manages the station list and its background probing.
type StationService struct {
	store  Store
	prober Prober
	poster notify.Poster
	finder finder.Provider

	pool     *ants.Pool
	limiter  ratelimit.Limiter
	inflight *xsync.MapOf[*station.Station, struct{}]

	mu            sync.RWMutex
	stations      []*station.Station
	refreshTicker *time.Ticker
	stopRefresh   chan struct{}
}

func NewStationService(store Store, prober Prober, poster notify.Poster, opts Options) (*StationService, error) {
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultProbeWorkers
	}
	if poster == nil {
		poster = notify.Discard
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pool: %w", err)
	}

	limiter := ratelimit.NewUnlimited()
	if opts.Rate > 0 {
		limiter = ratelimit.New(opts.Rate)
	}

	return &StationService{
		store:    store,
		prober:   prober,
		poster:   poster,
		pool:     pool,
		limiter:  limiter,
		inflight: xsync.NewMapOf[*station.Station, struct{}](),
	}, nil
}

// SetFinder selects the directory used by Search.
func (s *StationService) SetFinder(p finder.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finder = p
}

// Load replaces the list with the stations in the store.
func (s *StationService) Load() error {
	stations, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	sortStations(stations)

	s.mu.Lock()
	s.stations = stations
	s.mu.Unlock()

	log.Debug().Int("count", len(stations)).Msg("Stations loaded")
	return nil
}

func sortStations(stations []*station.Station) {
	sort.SliceStable(stations, func(i, j int) bool {
		return strings.ToLower(stations[i].Name()) < strings.ToLower(stations[j].Name())
	})
}

// Stations returns a snapshot of the list.
func (s *StationService) Stations() []*station.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*station.Station, len(s.stations))
	copy(result, s.stations)
	return result
}

func (s *StationService) StationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stations)
}

func (s *StationService) indexLocked(name string) int {
	for i, st := range s.stations {
		if strings.EqualFold(st.Name(), name) {
			return i
		}
	}
	return -1
}

// Get returns the station called name, or nil.
func (s *StationService) Get(name string) *station.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(name); i >= 0 {
		return s.stations[i]
	}
	return nil
}

func (s *StationService) contains(st *station.Station) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.stations {
		if item == st {
			return true
		}
	}
	return false
}

// Add puts st in the list and saves it when it is usable. Stations still
// waiting for their stream url are saved after a successful probe.
func (s *StationService) Add(st *station.Station) error {
	s.mu.Lock()
	if s.indexLocked(st.Name()) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", st.Name(), ErrExists)
	}
	s.stations = append(s.stations, st)
	sortStations(s.stations)
	s.mu.Unlock()

	if st.InitCheck() != nil {
		log.Debug().Str("station", st.Name()).Msg("Station added unsaved")
		return nil
	}
	return s.store.Save(st)
}

// AddURL builds a station from a playlist or stream url and adds it.
func (s *StationService) AddURL(ctx context.Context, rawURL string) (*station.Station, error) {
	st, err := s.prober.LoadIndirect(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if err := s.Add(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Remove drops the station from the list and from the store.
func (s *StationService) Remove(name string) error {
	s.mu.Lock()
	i := s.indexLocked(name)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	st := s.stations[i]
	s.stations = append(s.stations[:i], s.stations[i+1:]...)
	s.mu.Unlock()

	if err := s.store.Remove(st.Name()); err != nil && !st.IsUnsaved() {
		return err
	}
	return nil
}

// Rename changes the name of a listed station and moves its record.
func (s *StationService) Rename(name, newName string) error {
	s.mu.Lock()
	i := s.indexLocked(name)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	st := s.stations[i]
	if j := s.indexLocked(newName); j >= 0 && j != i {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", newName, ErrExists)
	}
	s.mu.Unlock()

	if err := s.store.Rename(st, newName); err != nil {
		return err
	}

	s.mu.Lock()
	sortStations(s.stations)
	s.mu.Unlock()
	return nil
}

// Save writes a listed station to the store, typically after playback
// followed a permanent redirect.
func (s *StationService) Save(st *station.Station) error {
	if !s.contains(st) {
		return fmt.Errorf("%q: %w", st.Name(), ErrNotFound)
	}
	return s.store.Save(st)
}

// SaveUnsaved writes every listed station with pending changes. Stations
// still lacking a stream url are skipped.
func (s *StationService) SaveUnsaved() error {
	var errs []error
	for _, st := range s.Stations() {
		if !st.IsUnsaved() || st.InitCheck() != nil {
			continue
		}
		if err := s.store.Save(st); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Search queries the configured finder. Results are not added to the list.
func (s *StationService) Search(ctx context.Context, capability, query string) ([]*station.Station, error) {
	s.mu.RLock()
	p := s.finder
	s.mu.RUnlock()

	if p == nil {
		return nil, ErrNoFinder
	}
	return p.Find(ctx, capability, query)
}

// Capabilities names the search capabilities of the configured finder.
func (s *StationService) Capabilities() []string {
	s.mu.RLock()
	p := s.finder
	s.mu.RUnlock()

	if p == nil {
		return nil
	}
	var names []string
	for _, c := range p.Capabilities() {
		names = append(names, c.Name)
	}
	return names
}

// ProbeAll probes every station in the list and waits for the results.
func (s *StationService) ProbeAll(ctx context.Context) {
	s.ProbeStations(ctx, s.Stations())
}

// ProbeStations probes the given stations on the worker pool. Each outcome
// is posted as a StationUpdated; stations already being probed are skipped.
func (s *StationService) ProbeStations(ctx context.Context, stations []*station.Station) {
	var wg sync.WaitGroup
	for _, st := range stations {
		if _, busy := s.inflight.LoadOrStore(st, struct{}{}); busy {
			log.Debug().Str("station", st.Name()).Msg("Probe already running")
			continue
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer s.inflight.Delete(st)
			s.probeOne(ctx, st)
		}
		if err := s.pool.Submit(task); err != nil {
			log.Warn().Err(err).Str("station", st.Name()).Msg("Failed to schedule probe")
			wg.Done()
			s.inflight.Delete(st)
		}
	}
	wg.Wait()
}

func (s *StationService) probeOne(ctx context.Context, st *station.Station) {
	if ctx.Err() != nil {
		s.poster.Post(StationUpdated{Station: st, Err: ctx.Err()})
		return
	}
	s.limiter.Take()

	err := s.prober.Probe(ctx, st)
	if err != nil {
		log.Warn().Err(err).Str("station", st.Name()).Msg("Probe failed")
	} else if s.contains(st) && st.InitCheck() == nil {
		if saveErr := s.store.Save(st); saveErr != nil {
			log.Error().Err(saveErr).Str("station", st.Name()).Msg("Failed to save probed station")
		}
	}

	s.poster.Post(StationUpdated{Station: st, Err: err})
}

// StartPeriodicProbe re-probes the whole list every interval.
func (s *StationService) StartPeriodicProbe(ctx context.Context, interval time.Duration) {
	s.StopPeriodicProbe()

	s.mu.Lock()
	s.stopRefresh = make(chan struct{})
	s.refreshTicker = time.NewTicker(interval)
	ticker := s.refreshTicker
	stopCh := s.stopRefresh
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				s.ProbeAll(ctx)
			case <-stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	log.Debug().Dur("interval", interval).Msg("Started periodic station probe")
}

func (s *StationService) StopPeriodicProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRefresh != nil {
		close(s.stopRefresh)
		s.stopRefresh = nil
		log.Debug().Msg("Stopped periodic station probe")
	}
}

// Close stops background probing and releases the worker pool.
func (s *StationService) Close() {
	s.StopPeriodicProbe()
	s.pool.Release()
}
