package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/finder"
	"github.com/glebovdev/streamradio/internal/notify"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/glebovdev/streamradio/internal/store"
	"github.com/glebovdev/streamradio/internal/streamio"
	"github.com/spf13/afero"
)

type fakeProber struct {
	calls    atomic.Int32
	block    chan struct{}
	entered  chan struct{}
	fail     map[string]bool
	indirect *station.Station
}

func (p *fakeProber) Probe(_ context.Context, st *station.Station) error {
	p.calls.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	if p.fail[st.Name()] {
		return errors.New("connection refused")
	}
	if st.StreamURL() == "" {
		st.SetStreamURL("http://resolved.example/" + st.Name())
	}
	st.SetBitrate(128000)
	st.CheckFlags()
	st.SetUnsaved(true)
	return nil
}

func (p *fakeProber) LoadIndirect(context.Context, string) (*station.Station, error) {
	if p.indirect == nil {
		return nil, errors.New("no station")
	}
	return p.indirect, nil
}

type collector struct {
	mu   sync.Mutex
	msgs []StationUpdated
}

func (c *collector) Post(msg any) bool {
	if u, ok := msg.(StationUpdated); ok {
		c.mu.Lock()
		c.msgs = append(c.msgs, u)
		c.mu.Unlock()
	}
	return true
}

func (c *collector) updates() []StationUpdated {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StationUpdated(nil), c.msgs...)
}

func newTestService(t *testing.T, prober *fakeProber, poster notify.Poster) (*StationService, *store.Store) {
	t.Helper()
	st := store.New(afero.NewMemMapFs(), "/stations")
	svc, err := NewStationService(st, prober, poster, Options{Workers: 2})
	if err != nil {
		t.Fatalf("NewStationService() error = %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, st
}

func TestLoadAndLookup(t *testing.T) {
	svc, db := newTestService(t, &fakeProber{}, nil)

	for _, name := range []string{"Zulu", "alpha"} {
		if err := db.Save(station.New(name, "http://radio.example/"+name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if svc.StationCount() != 2 {
		t.Fatalf("StationCount() = %d, want 2", svc.StationCount())
	}
	stations := svc.Stations()
	if stations[0].Name() != "alpha" || stations[1].Name() != "Zulu" {
		t.Errorf("Stations() order = [%s %s]", stations[0].Name(), stations[1].Name())
	}
	if svc.Get("ALPHA") != stations[0] || svc.Get("zulu") != stations[1] {
		t.Error("Get() should be case insensitive")
	}
	if svc.Get("missing") != nil {
		t.Error("lookup of a missing station should fail")
	}

	stations[0] = nil
	if svc.Stations()[0] == nil {
		t.Error("Stations() must return a copy")
	}
}

func TestAddAndRemove(t *testing.T) {
	svc, db := newTestService(t, &fakeProber{}, nil)

	usable := station.New("Usable", "http://radio.example/live")
	if err := svc.Add(usable); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !db.Exists("Usable") {
		t.Error("usable station was not saved")
	}

	pending := station.New("Pending", "")
	pending.SetSource("http://radio.example/pending.pls")
	if err := svc.Add(pending); err != nil {
		t.Fatalf("Add() pending error = %v", err)
	}
	if db.Exists("Pending") {
		t.Error("station without stream url should not be saved yet")
	}

	if err := svc.Add(station.New("usable", "http://other.example/")); !errors.Is(err, ErrExists) {
		t.Errorf("Add() duplicate error = %v, want ErrExists", err)
	}

	if err := svc.Remove("Usable"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if db.Exists("Usable") || svc.Get("Usable") != nil {
		t.Error("Remove() left the station behind")
	}
	if err := svc.Remove("Pending"); err != nil {
		t.Errorf("Remove() of an unsaved station error = %v", err)
	}
	if err := svc.Remove("Pending"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestAddURL(t *testing.T) {
	indirect := station.New("Indirect FM", "http://radio.example/stream")
	svc, db := newTestService(t, &fakeProber{indirect: indirect}, nil)

	st, err := svc.AddURL(context.Background(), "http://radio.example/listen.pls")
	if err != nil {
		t.Fatalf("AddURL() error = %v", err)
	}
	if st != indirect || svc.Get("Indirect FM") == nil || !db.Exists("Indirect FM") {
		t.Error("AddURL() did not add and save the station")
	}

	failing, _ := newTestService(t, &fakeProber{}, nil)
	if _, err := failing.AddURL(context.Background(), "http://radio.example/x"); err == nil {
		t.Error("AddURL() should fail when the url yields no station")
	}
}

func TestProbeAll(t *testing.T) {
	prober := &fakeProber{fail: map[string]bool{"Broken": true}}
	posted := &collector{}
	svc, db := newTestService(t, prober, posted)

	good := station.New("Good", "http://radio.example/good")
	broken := station.New("Broken", "http://radio.example/broken")
	pending := station.New("Pending", "")
	for _, st := range []*station.Station{good, broken, pending} {
		if err := svc.Add(st); err != nil {
			t.Fatal(err)
		}
	}

	svc.ProbeAll(context.Background())

	updates := posted.updates()
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	for _, u := range updates {
		if (u.Err != nil) != (u.Station == broken) {
			t.Errorf("update for %s has err %v", u.Station.Name(), u.Err)
		}
	}

	if broken.Bitrate() != 0 {
		t.Error("failed probe must not change the station")
	}

	reloaded, err := db.Load("Good")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Bitrate() != 128000 {
		t.Errorf("saved bitrate = %d, want 128000", reloaded.Bitrate())
	}
	if !db.Exists("Pending") {
		t.Error("station resolved by the probe should be saved")
	}
}

func TestProbeSkipsStationsInFlight(t *testing.T) {
	prober := &fakeProber{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	svc, _ := newTestService(t, prober, nil)

	st := station.New("Slow", "http://radio.example/slow")
	done := make(chan struct{})
	go func() {
		svc.ProbeStations(context.Background(), []*station.Station{st})
		close(done)
	}()

	select {
	case <-prober.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not start")
	}

	svc.ProbeStations(context.Background(), []*station.Station{st})
	close(prober.block)
	<-done

	if got := prober.calls.Load(); got != 1 {
		t.Errorf("Probe() called %d times, want 1", got)
	}
}

func TestProbeCancelled(t *testing.T) {
	prober := &fakeProber{}
	posted := &collector{}
	svc, _ := newTestService(t, prober, posted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.ProbeStations(ctx, []*station.Station{station.New("A", "http://a.example/")})

	if prober.calls.Load() != 0 {
		t.Error("cancelled probe should not reach the prober")
	}
	updates := posted.updates()
	if len(updates) != 1 || !errors.Is(updates[0].Err, context.Canceled) {
		t.Errorf("updates = %+v, want one cancellation", updates)
	}
}

type staticFinder struct{}

func (staticFinder) Name() string                      { return "static" }
func (staticFinder) HomePage() string                  { return "" }
func (staticFinder) Capabilities() []finder.Capability { return []finder.Capability{{Name: "Name"}} }

func (staticFinder) Find(_ context.Context, _ string, query string) ([]*station.Station, error) {
	return []*station.Station{station.New(query+" Radio", "")}, nil
}

func TestSearch(t *testing.T) {
	svc, _ := newTestService(t, &fakeProber{}, nil)

	if _, err := svc.Search(context.Background(), "Name", "jazz"); !errors.Is(err, ErrNoFinder) {
		t.Errorf("Search() without finder error = %v, want ErrNoFinder", err)
	}
	if caps := svc.Capabilities(); caps != nil {
		t.Errorf("Capabilities() without finder = %v, want nil", caps)
	}

	svc.SetFinder(staticFinder{})
	results, err := svc.Search(context.Background(), "Name", "Jazz")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Name() != "Jazz Radio" {
		t.Errorf("Search() = %v", results)
	}
	if svc.StationCount() != 0 {
		t.Error("Search() must not add stations")
	}
	if caps := svc.Capabilities(); len(caps) != 1 || caps[0] != "Name" {
		t.Errorf("Capabilities() = %v, want [Name]", caps)
	}
}

func TestPeriodicProbe(t *testing.T) {
	prober := &fakeProber{}
	svc, _ := newTestService(t, prober, nil)
	if err := svc.Add(station.New("Tick", "http://radio.example/tick")); err != nil {
		t.Fatal(err)
	}

	svc.StartPeriodicProbe(context.Background(), 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for prober.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.StopPeriodicProbe()

	if prober.calls.Load() < 2 {
		t.Errorf("periodic probe ran %d times, want at least 2", prober.calls.Load())
	}
}

func TestSaveAfterPermanentRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/new")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/ogg")
		_, _ = w.Write([]byte("audio"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc, db := newTestService(t, &fakeProber{}, nil)
	st := station.New("Moved", server.URL+"/old")
	if err := svc.Add(st); err != nil {
		t.Fatal(err)
	}

	session := streamio.New(st, fetch.New("test-agent", 5*time.Second), nil, nil, streamio.Options{ReadTimeout: 2 * time.Second})
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = session.Close()

	if !st.IsUnsaved() {
		t.Fatal("redirected station should be marked unsaved")
	}
	if err := svc.Save(st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := db.Load("Moved")
	if err != nil {
		t.Fatal(err)
	}
	if want := server.URL + "/new"; reloaded.StreamURL() != want {
		t.Errorf("stored StreamURL() = %q, want %q", reloaded.StreamURL(), want)
	}
	if st.IsUnsaved() {
		t.Error("Save() should clear the unsaved mark")
	}

	if err := svc.Save(station.New("Stranger", "http://radio.example/")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Save() of an unlisted station error = %v, want ErrNotFound", err)
	}
}

func TestSaveUnsaved(t *testing.T) {
	svc, db := newTestService(t, &fakeProber{}, nil)

	saved := station.New("Saved", "http://radio.example/saved")
	pending := station.New("Pending", "")
	for _, st := range []*station.Station{saved, pending} {
		if err := svc.Add(st); err != nil {
			t.Fatal(err)
		}
	}

	saved.SetStreamURL("http://radio.example/moved")
	if err := svc.SaveUnsaved(); err != nil {
		t.Fatalf("SaveUnsaved() error = %v", err)
	}

	reloaded, err := db.Load("Saved")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.StreamURL() != "http://radio.example/moved" {
		t.Errorf("stored StreamURL() = %q", reloaded.StreamURL())
	}
	if db.Exists("Pending") {
		t.Error("station without a stream url should stay unsaved")
	}
}

func TestRename(t *testing.T) {
	svc, db := newTestService(t, &fakeProber{}, nil)
	for _, name := range []string{"Alpha", "Beta"} {
		if err := svc.Add(station.New(name, "http://radio.example/"+name)); err != nil {
			t.Fatal(err)
		}
	}

	if err := svc.Rename("alpha", "Zeta"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if db.Exists("Alpha") || !db.Exists("Zeta") {
		t.Error("Rename() did not move the stored record")
	}
	stations := svc.Stations()
	if stations[0].Name() != "Beta" || stations[1].Name() != "Zeta" {
		t.Errorf("Stations() order = [%s %s]", stations[0].Name(), stations[1].Name())
	}

	if err := svc.Rename("Zeta", "beta"); !errors.Is(err, ErrExists) {
		t.Errorf("Rename() onto a listed name error = %v, want ErrExists", err)
	}
	if err := svc.Rename("Missing", "Other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Rename() of a missing station error = %v, want ErrNotFound", err)
	}
}
