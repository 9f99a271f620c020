package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebovdev/streamradio/internal/cache"
	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/hostcheck"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/spf13/afero"
)

// mpegFrames returns count MPEG-1 layer III frames, 128 kbit/s, 44.1 kHz stereo.
func mpegFrames(count int) []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	return bytes.Repeat(frame, count)
}

func adtsFrames(count int) []byte {
	frame := make([]byte, 200)
	copy(frame, []byte{0xFF, 0xF1, 0x50, 0x80, 0x19, 0x1F, 0xFC})
	return bytes.Repeat(frame, count)
}

func oggPage(packet []byte) []byte {
	page := []byte("OggS")
	page = append(page, 0, 2)
	page = append(page, make([]byte, 8+4+4+4)...)
	page = append(page, 1, byte(len(packet)))
	return append(page, packet...)
}

func vorbisIdentification() []byte {
	p := make([]byte, 30)
	p[0] = 1
	copy(p[1:], "vorbis")
	p[11] = 2
	binary.LittleEndian.PutUint32(p[12:], 44100)
	binary.LittleEndian.PutUint32(p[20:], 128000)
	p[28] = 0xB8
	p[29] = 1
	return p
}

func opusHead() []byte {
	p := make([]byte, 19)
	copy(p, "OpusHead")
	p[8] = 1
	p[9] = 2
	binary.LittleEndian.PutUint32(p[12:], 44100)
	return p
}

func flacHeader() []byte {
	b := []byte("fLaC")
	b = append(b, 0x80, 0, 0, 34)
	info := make([]byte, 34)
	binary.BigEndian.PutUint16(info[0:], 4096)
	binary.BigEndian.PutUint16(info[2:], 4096)
	binary.BigEndian.PutUint64(info[10:], uint64(48000)<<44|uint64(1)<<41|uint64(15)<<36)
	return append(b, info...)
}

func id3Tag(payload int) []byte {
	h := []byte{'I', 'D', '3', 3, 0, 0, 0, 0, 0, 0}
	h[8] = byte(payload >> 7 & 0x7f)
	h[9] = byte(payload & 0x7f)
	return append(h, make([]byte, payload)...)
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want Format
	}{
		{
			name: "mpeg layer III",
			buf:  mpegFrames(4),
			want: Format{Encoding: "mp3", Mime: "audio/mpeg", SampleRate: 44100, Channels: 2, Bitrate: 128000, FrameSize: 1152},
		},
		{
			name: "mpeg after junk",
			buf:  append([]byte("junk\xff\x00"), mpegFrames(3)...),
			want: Format{Encoding: "mp3", Mime: "audio/mpeg", SampleRate: 44100, Channels: 2, Bitrate: 128000, FrameSize: 1152},
		},
		{
			name: "mpeg behind id3v2",
			buf:  append(id3Tag(300), mpegFrames(3)...),
			want: Format{Encoding: "mp3", Mime: "audio/mpeg", SampleRate: 44100, Channels: 2, Bitrate: 128000, FrameSize: 1152},
		},
		{
			name: "adts aac",
			buf:  adtsFrames(5),
			want: Format{Encoding: "aac", Mime: "audio/aac", SampleRate: 44100, Channels: 2, FrameSize: 1024},
		},
		{
			name: "ogg vorbis first page",
			buf:  oggPage(vorbisIdentification()),
			want: Format{Encoding: "vorbis", Mime: "audio/ogg", SampleRate: 44100, Channels: 2, Bitrate: 128000},
		},
		{
			name: "ogg opus first page",
			buf:  oggPage(opusHead()),
			want: Format{Encoding: "opus", Mime: "audio/ogg", SampleRate: 48000, Channels: 2, FrameSize: 960},
		},
		{
			name: "flac stream info",
			buf:  flacHeader(),
			want: Format{Encoding: "flac", Mime: "audio/flac", SampleRate: 48000, Channels: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Identify(tt.buf)
			if err != nil {
				t.Fatalf("Identify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Identify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIdentifyUnknown(t *testing.T) {
	inputs := map[string][]byte{
		"text":       []byte("<html><body>not audio at all, just a page of text</body></html>"),
		"short":      {0xFF},
		"lone sync":  append([]byte{0xFF, 0xFB, 0x90, 0x00}, make([]byte, 500)...),
		"empty":      nil,
		"id3 only":   id3Tag(64),
		"bad header": {0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}

	for name, buf := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := Identify(buf); !errors.Is(err, ErrUnknownFormat) {
				t.Errorf("Identify() error = %v, want ErrUnknownFormat", err)
			}
		})
	}
}

func TestProbeBufferKeepsHeaderMime(t *testing.T) {
	st := station.New("Test", "http://radio.example/")
	st.SetMime("audio/mpeg")

	if err := ProbeBuffer(st, adtsFrames(3)); err != nil {
		t.Fatalf("ProbeBuffer() error = %v", err)
	}
	if st.Mime() != "audio/mpeg" {
		t.Errorf("Mime() = %q, want the header value kept", st.Mime())
	}
	if st.Encoding() != "aac" || !st.HasFlags(station.HasEncoding|station.HasFormat) {
		t.Errorf("encoding = %q flags = %b", st.Encoding(), st.Flags())
	}
}

func TestLeadingInt(t *testing.T) {
	tests := map[string]int{
		"128":     128,
		" 64 ":    64,
		"128,128": 128,
		"":        0,
		"abc":     0,
		"96kbps":  96,
	}
	for in, want := range tests {
		if got := leadingInt(in); got != want {
			t.Errorf("leadingInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func newTestProber(logos LogoLoader) *Prober {
	f := fetch.New("test-agent", 5*time.Second)
	return New(f, hostcheck.New(time.Second), logos, Options{Timeout: 500 * time.Millisecond})
}

func TestRetrieveStreamURL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/listen.pls":
			w.Header().Set("Content-Type", "audio/x-scpls")
			_, _ = w.Write([]byte("[playlist]\nNumberOfEntries=1\nFile1=http://stream.example/live\nTitle1=Live FM\n"))
		case "/listen.m3u":
			w.Header().Set("Content-Type", "audio/x-mpegurl")
			_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:-1,Relative\nlive/stream.mp3\n"))
		case "/direct":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write(mpegFrames(2))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tests := []struct {
		path     string
		wantURL  string
		wantName string
		wantErr  bool
	}{
		{"/listen.pls", "http://stream.example/live", "Live FM", false},
		{"/listen.m3u", server.URL + "/live/stream.mp3", "Station", false},
		{"/direct", server.URL + "/direct", "Station", false},
		{"/page", "", "Station", true},
		{"/missing", "", "Station", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p := newTestProber(nil)
			st := station.New("Station", "")
			st.SetSource(server.URL + tt.path)

			err := p.RetrieveStreamURL(context.Background(), st)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RetrieveStreamURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if st.StreamURL() != tt.wantURL {
				t.Errorf("StreamURL() = %q, want %q", st.StreamURL(), tt.wantURL)
			}
			if st.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", st.Name(), tt.wantName)
			}
		})
	}

	t.Run("cached", func(t *testing.T) {
		p := newTestProber(nil)
		for i := 0; i < 3; i++ {
			st := station.New("Station", "")
			st.SetSource(server.URL + "/listen.pls")
			if err := p.RetrieveStreamURL(context.Background(), st); err != nil {
				t.Fatal(err)
			}
		}
		before := hits.Load()
		st := station.New("Station", "")
		st.SetSource(server.URL + "/listen.pls")
		_ = p.RetrieveStreamURL(context.Background(), st)
		if hits.Load() != before {
			t.Error("cached resolution fetched the playlist again")
		}
		if st.StreamURL() != "http://stream.example/live" {
			t.Errorf("cached StreamURL() = %q", st.StreamURL())
		}
	})

	t.Run("no source", func(t *testing.T) {
		p := newTestProber(nil)
		if err := p.RetrieveStreamURL(context.Background(), station.New("x", "")); !errors.Is(err, ErrNoSource) {
			t.Errorf("RetrieveStreamURL() error = %v, want ErrNoSource", err)
		}
	})
}

func TestProbeReadsIcyHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "audio/*" {
			t.Errorf("Accept = %q, want audio/*", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("icy-name", "Header Name")
		w.Header().Set("icy-br", "64")
		w.Header().Set("icy-genre", "Jazz")
		w.Header().Set("icy-url", "http://jazz.example/")
		w.Header().Set("icy-metaint", "16000")
		_, _ = w.Write(mpegFrames(12))
	}))
	defer server.Close()

	t.Run("unnamed station", func(t *testing.T) {
		st := station.New("", server.URL+"/stream")
		if err := newTestProber(nil).Probe(context.Background(), st); err != nil {
			t.Fatalf("Probe() error = %v", err)
		}

		if st.Name() != "Header Name" {
			t.Errorf("Name() = %q, want Header Name", st.Name())
		}
		if st.Genre() != "Jazz" || st.StationURL() != "http://jazz.example/" {
			t.Errorf("genre = %q station url = %q", st.Genre(), st.StationURL())
		}
		if st.MetaInterval() != 16000 {
			t.Errorf("MetaInterval() = %d, want 16000", st.MetaInterval())
		}
		// The frame header overrides the advertised bitrate.
		if st.Bitrate() != 128000 || st.SampleRate() != 44100 || st.Channels() != 2 || st.FrameSize() != 1152 {
			t.Errorf("format = %d bps %d Hz %d ch %d samples", st.Bitrate(), st.SampleRate(), st.Channels(), st.FrameSize())
		}
		if st.Encoding() != "mp3" || st.Mime() != "audio/mpeg" {
			t.Errorf("encoding = %q mime = %q", st.Encoding(), st.Mime())
		}
		want := station.HasName | station.HasURI | station.URIValid | station.HasEncoding |
			station.HasBitrate | station.HasFormat | station.HasMeta
		if !st.HasFlags(want) {
			t.Errorf("Flags() = %b, want at least %b", st.Flags(), want)
		}
		if !st.IsUnsaved() {
			t.Error("probed station should be marked unsaved")
		}
	})

	t.Run("named station", func(t *testing.T) {
		st := station.New("Mine", server.URL+"/stream")
		if err := newTestProber(nil).Probe(context.Background(), st); err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
		if st.Name() != "Mine" {
			t.Errorf("Name() = %q, icy-name must not replace an existing name", st.Name())
		}
	})
}

func TestProbeIceAudioInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ice-audio-info", "ice-samplerate=48000;ice-bitrate=96;ice-channels=1")
		_, _ = w.Write([]byte(strings.Repeat("unrecognized payload ", 20)))
	}))
	defer server.Close()

	st := station.New("Ice", server.URL)
	if err := newTestProber(nil).Probe(context.Background(), st); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if st.SampleRate() != 48000 || st.Bitrate() != 96000 || st.Channels() != 1 {
		t.Errorf("format = %d Hz %d bps %d ch, want 48000 96000 1", st.SampleRate(), st.Bitrate(), st.Channels())
	}
}

// addrChecker pins every url to one address.
type addrChecker struct{ addr string }

func (c addrChecker) CheckPort(_ context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Host = c.addr
	return u.String(), nil
}

func TestProbePinnedSendsHostName(t *testing.T) {
	var gotHost atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(mpegFrames(12))
	}))
	defer server.Close()

	_, port, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	named := "localhost:" + port
	streamURL := "http://" + named + "/stream"

	p := New(fetch.New("test-agent", 5*time.Second), addrChecker{addr: "127.0.0.1:" + port}, nil,
		Options{Timeout: 500 * time.Millisecond})
	st := station.New("Pinned", streamURL)
	if err := p.Probe(context.Background(), st); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if host, _ := gotHost.Load().(string); host != named {
		t.Errorf("Host = %q, want %q", host, named)
	}
	if st.StreamURL() != streamURL {
		t.Errorf("StreamURL() = %q, want %q", st.StreamURL(), streamURL)
	}
}

func TestProbeResolvesSource(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/listen.pls", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[playlist]\nFile1=" + server.URL + "/live\n"))
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/aac")
		_, _ = w.Write(adtsFrames(10))
	})

	st := station.New("Resolved", server.URL+"/old")
	st.SetSource(server.URL + "/listen.pls")
	if err := newTestProber(nil).Probe(context.Background(), st); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if st.StreamURL() != server.URL+"/live" {
		t.Errorf("StreamURL() = %q, want %q", st.StreamURL(), server.URL+"/live")
	}
	if st.Encoding() != "aac" {
		t.Errorf("Encoding() = %q, want aac", st.Encoding())
	}
}

func TestProbeFailures(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer server.Close()

		st := station.New("Gone", server.URL)
		err := newTestProber(nil).Probe(context.Background(), st)
		var se *fetch.StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
			t.Fatalf("Probe() error = %v, want 404 StatusError", err)
		}
		if st.HasFlags(station.URIValid) {
			t.Error("URIValid should be cleared")
		}
	})

	t.Run("silent host", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				go func() {
					<-done
					conn.Close()
				}()
			}
		}()

		st := station.New("Silent", "http://"+ln.Addr().String()+"/")
		err = newTestProber(nil).Probe(context.Background(), st)
		if !errors.Is(err, ErrTimedOut) {
			t.Fatalf("Probe() error = %v, want ErrTimedOut", err)
		}
		if st.HasFlags(station.URIValid) {
			t.Error("URIValid should be cleared")
		}
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := ln.Addr().String()
		ln.Close()

		st := station.New("Closed", "http://"+addr+"/")
		if err := newTestProber(nil).Probe(context.Background(), st); !errors.Is(err, hostcheck.ErrUnreachable) {
			t.Errorf("Probe() error = %v, want ErrUnreachable", err)
		}
	})

	t.Run("no host", func(t *testing.T) {
		st := station.New("Nowhere", "relative/path")
		if err := newTestProber(nil).Probe(context.Background(), st); !errors.Is(err, station.ErrUnusable) {
			t.Errorf("Probe() error = %v, want ErrUnusable", err)
		}
	})
}

func TestLoadIndirect(t *testing.T) {
	logo := image.NewRGBA(image.Rect(0, 0, 16, 16))
	logo.Set(1, 1, color.RGBA{R: 255, A: 255})
	var logoPNG bytes.Buffer
	if err := png.Encode(&logoPNG, logo); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`<html><head><title>Jazz &amp; Blues</title>
<link rel="shortcut icon" href="/img/logo.png"></head></html>`))
		case "/img/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(logoPNG.Bytes())
		case "/tune.pls":
			_, _ = w.Write([]byte("[playlist]\nFile1=/stream\n"))
		default:
			http.NotFound(w, r)
		}
	})

	f := fetch.New("test-agent", 5*time.Second)
	logos := cache.New(afero.NewMemMapFs(), "/cache", f)
	p := New(f, nil, logos, Options{})

	st, err := p.LoadIndirect(context.Background(), server.URL+"/tune.pls")
	if err != nil {
		t.Fatalf("LoadIndirect() error = %v", err)
	}

	if st.Name() != "Jazz & Blues" {
		t.Errorf("Name() = %q, want Jazz & Blues", st.Name())
	}
	if st.StreamURL() != server.URL+"/stream" {
		t.Errorf("StreamURL() = %q", st.StreamURL())
	}
	if st.Source() != server.URL+"/tune.pls" {
		t.Errorf("Source() = %q", st.Source())
	}
	if st.StationURL() != server.URL+"/" {
		t.Errorf("StationURL() = %q", st.StationURL())
	}
	if !st.HasFlags(station.HasIdentifier) || len(st.Identifier()) != 36 {
		t.Errorf("Identifier() = %q", st.Identifier())
	}
	if st.Logo() == nil || st.Logo().Bounds().Dx() != 16 {
		t.Error("logo not loaded from the shortcut icon")
	}
	if err := st.InitCheck(); err != nil {
		t.Errorf("InitCheck() = %v", err)
	}
}

func TestLoadIndirectWithoutHomePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/live" {
			w.Header().Set("Content-Type", "audio/ogg")
			_, _ = w.Write(oggPage(vorbisIdentification()))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	p := New(fetch.New("test-agent", 5*time.Second), nil, nil, Options{})
	st, err := p.LoadIndirect(context.Background(), server.URL+"/live")
	if err != nil {
		t.Fatalf("LoadIndirect() error = %v", err)
	}
	if st.StreamURL() != server.URL+"/live" {
		t.Errorf("StreamURL() = %q, want the audio url itself", st.StreamURL())
	}
	if st.Name() != DefaultStationName {
		t.Errorf("Name() = %q, want %q", st.Name(), DefaultStationName)
	}
	if st.StationURL() != "" {
		t.Errorf("StationURL() = %q, want empty", st.StationURL())
	}

	if _, err := p.LoadIndirect(context.Background(), "not a url"); err == nil {
		t.Error("LoadIndirect() should reject a url without host")
	}
}
