// Package streamio turns a live ICY/HTTP audio response into a plain audio
// byte stream. Bytes pushed by the fetcher run through a short chain of
// transforms that strip redirect bodies, in-band metadata and leading junk
// before landing in a buffer the decoder reads from on another goroutine.
package streamio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebovdev/streamradio/internal/fetch"
	"github.com/glebovdev/streamradio/internal/metrics"
	"github.com/glebovdev/streamradio/internal/notify"
	"github.com/glebovdev/streamradio/internal/station"
	"github.com/rs/zerolog/log"
)

const DefaultReadTimeout = 30 * time.Second

var (
	ErrNotSupported = errors.New("operation not supported on a live stream")
	// ErrReadLimit is returned by Read while the read limit gate is closed.
	ErrReadLimit = errors.New("read limit reached")
	ErrNoStream  = errors.New("stream ended before any response")
	ErrNotOpen   = errors.New("stream not open")
)

// Flags describe the capabilities of the stream as a positioned reader.
type Flags int

const (
	FlagStreaming Flags = 1 << iota
	FlagSeekBackward
	FlagMutableSize
)

// PortChecker pins a plain HTTP url to a reachable address.
type PortChecker interface {
	CheckPort(ctx context.Context, rawURL string) (string, error)
}

type Options struct {
	ReadTimeout time.Duration
	KeepBack    int64
}

// StreamIO is the demultiplexer for one playback session.
type StreamIO struct {
	station *station.Station
	fetcher *fetch.Fetcher
	checker PortChecker
	poster  notify.Poster
	buf     *adapterBuffer

	// Owned by the fetch goroutine once Open has been called.
	chain     *chain
	icyName   string
	forwarded int64

	req     *fetch.Request
	limit   atomic.Int64
	running atomic.Bool
	size    atomic.Int64
	mutable atomic.Bool
	title   atomic.Value
	ctype   atomic.Value

	readPos int64
	readMu  sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
}

func New(st *station.Station, fetcher *fetch.Fetcher, checker PortChecker, poster notify.Poster, opts Options) *StreamIO {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.KeepBack <= 0 {
		opts.KeepBack = DefaultKeepBack
	}

	s := &StreamIO{
		station: st,
		fetcher: fetcher,
		checker: checker,
		poster:  poster,
		buf:     newAdapterBuffer(opts.ReadTimeout, opts.KeepBack),
		chain:   newChain(),
		ready:   make(chan struct{}),
	}
	s.size.Store(-1)

	if needsResync(st.Mime()) {
		s.chain.append(&resyncStage{})
	}
	s.chain.append(&sinkStage{buf: s.buf, forwarded: &s.forwarded})

	return s
}

func needsResync(mime string) bool {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/mpeg", "audio/mp3", "audio/aacp", "audio/aac":
		return true
	}
	return false
}

// Open starts the request and waits until the stream's response headers
// have arrived, following redirects along the way.
func (s *StreamIO) Open(ctx context.Context) error {
	if s.req != nil {
		return fetch.ErrAlreadyRunning
	}

	target := s.station.StreamURL()
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid stream url %q", target)
	}

	pinned := target
	if u.Scheme == "http" && s.checker != nil {
		pinned, err = s.checker.CheckPort(ctx, target)
		if err != nil {
			return fmt.Errorf("stream host unreachable: %w", err)
		}
	}

	header := map[string]string{
		"Icy-MetaData": "1",
		"Icy-Reset":    "1",
		"Accept":       "audio/*",
	}

	s.req = s.fetcher.NewRequest(pinned, header, s)
	if pinned != target {
		s.req.SetHost(u.Host)
	}
	s.running.Store(true)
	if err := s.req.Run(ctx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to start stream request: %w", err)
	}

	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		s.req.Stop()
		return ctx.Err()
	}
}

func (s *StreamIO) markReady(err error) {
	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
}

// HeadersReceived runs on the fetch goroutine for every response, including
// each redirect hop.
func (s *StreamIO) HeadersReceived(resp *fetch.Response) error {
	s.chain.retireDiscards()

	switch {
	case resp.StatusCode >= 400:
		s.running.Store(false)
		log.Warn().Int("status", resp.StatusCode).Str("station", s.station.Name()).Msg("Stream request failed")
		return &fetch.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	case resp.IsRedirect():
		s.chain.insert(0, &discardStage{})
		if resp.IsPermanentRedirect() && resp.Location != "" {
			s.station.SetStreamURL(resp.Location)
			metrics.Redirects.WithLabelValues("permanent").Inc()
			log.Info().Str("location", resp.Location).Msg("Stream permanently redirected")
		} else {
			metrics.Redirects.WithLabelValues("temporary").Inc()
			log.Debug().Str("location", resp.Location).Msg("Stream redirected")
		}
		return nil
	}

	if resp.ContentLength > 0 {
		s.size.Store(resp.ContentLength)
	} else {
		s.mutable.Store(true)
	}

	s.ctype.Store(resp.MediaType())
	s.icyName = resp.Header.Get("icy-name")
	if mi, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("icy-metaint"))); err == nil && mi > 0 {
		s.chain.insert(s.chain.leadingDiscards(), newMetaSplitStage(mi, s.processMeta))
		log.Debug().Int("interval", mi).Msg("ICY metadata enabled")
	}

	if needsResync(resp.MediaType()) && !s.chain.has(stageResync) && s.forwarded == 0 {
		s.chain.insert(len(s.chain.stages)-1, &resyncStage{})
	}

	s.markReady(nil)
	return nil
}

func (s *StreamIO) DataReceived(data []byte, position int64) error {
	metrics.BytesReceived.Add(float64(len(data)))
	err := s.chain.process(data)
	s.chain.compact()
	if errors.Is(err, ErrClosed) {
		return fetch.ErrStopped
	}
	return err
}

func (s *StreamIO) RequestCompleted(err error) {
	s.running.Store(false)
	if err == nil {
		s.markReady(ErrNoStream)
	} else {
		s.markReady(err)
	}
	s.buf.CloseWithError(err)
}

func (s *StreamIO) processMeta(block []byte) {
	name := s.icyName
	if name == "" {
		name = s.station.Name()
	}

	fields := ParseMetadata(block, name)
	if len(fields) == 0 {
		metrics.MetadataBlocks.WithLabelValues("unparsed").Inc()
		log.Debug().Int("size", len(block)).Msg("Metadata block carried no fields")
		return
	}
	metrics.MetadataBlocks.WithLabelValues("parsed").Inc()

	if title, ok := fields["streamtitle"]; ok {
		s.title.Store(title)
		log.Debug().Msgf("Now playing: %s", title)
	}

	notify.Post(s.poster, MetaChanged{Station: s.station, Name: name, Fields: fields})
}

// StreamTitle is the last title seen in the stream metadata.
func (s *StreamIO) StreamTitle() string {
	if v, ok := s.title.Load().(string); ok {
		return v
	}
	return ""
}

// ContentType is the media type of the audio response, once headers arrived.
func (s *StreamIO) ContentType() string {
	if v, ok := s.ctype.Load().(string); ok {
		return v
	}
	return ""
}

func (s *StreamIO) IsRunning() bool {
	return s.running.Load()
}

// SetLimiter closes reads at and beyond limit. Zero lifts the gate.
func (s *StreamIO) SetLimiter(limit int64) {
	s.limit.Store(limit)
}

// Buffered reports bytes received from the network but not yet read.
func (s *StreamIO) Buffered() int64 {
	return s.buf.Buffered()
}

func (s *StreamIO) Flags() Flags {
	return FlagStreaming | FlagSeekBackward | FlagMutableSize
}

// Size is the announced length of the stream, or -1 when it grows.
func (s *StreamIO) Size() int64 {
	return s.size.Load()
}

func (s *StreamIO) SetSize(int64) error {
	return ErrNotSupported
}

func (s *StreamIO) WriteAt([]byte, int64) (int, error) {
	return 0, ErrNotSupported
}

func (s *StreamIO) gated(pos int64) bool {
	limit := s.limit.Load()
	return limit != 0 && pos >= limit
}

// ReadAt reads from absolute position off. While the read limit is set and
// off is at or past it, it returns zero bytes and no error.
func (s *StreamIO) ReadAt(p []byte, off int64) (int, error) {
	if s.gated(off) {
		return 0, nil
	}
	return s.buf.ReadAt(p, off)
}

// Read reads sequentially. Unlike ReadAt, a closed limit gate is reported
// as ErrReadLimit so sequential decoders do not spin on empty reads.
func (s *StreamIO) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.gated(s.readPos) {
		return 0, ErrReadLimit
	}
	n, err := s.buf.ReadAt(p, s.readPos)
	s.readPos += int64(n)
	return n, err
}

func (s *StreamIO) Seek(offset int64, whence int) (int64, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.readPos + offset
	case io.SeekEnd:
		size := s.size.Load()
		if size < 0 {
			return s.readPos, ErrNotSupported
		}
		pos = size + offset
	default:
		return s.readPos, fmt.Errorf("invalid whence %d", whence)
	}

	start, _ := s.buf.Window()
	if pos < start {
		return s.readPos, ErrOutOfWindow
	}
	s.readPos = pos
	return pos, nil
}

func (s *StreamIO) Position() int64 {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.readPos
}

// Close stops the request and wakes any blocked reader.
func (s *StreamIO) Close() error {
	s.buf.CloseWithError(ErrClosed)
	if s.req != nil {
		s.req.Stop()
		<-s.req.Done()
	}
	s.running.Store(false)
	return nil
}

// Sequential wraps s in a reader that hides Seek and ReadAt, for decoders
// that would otherwise try to scan an endless stream.
func Sequential(s *StreamIO) io.ReadCloser {
	return sequentialReader{s}
}

type sequentialReader struct {
	s *StreamIO
}

func (r sequentialReader) Read(p []byte) (int, error) { return r.s.Read(p) }

// Close is a no-op; the session closes the StreamIO itself.
func (r sequentialReader) Close() error { return nil }
