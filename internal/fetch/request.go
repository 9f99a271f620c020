package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"
)

// Response describes the headers of one HTTP response within a streaming
// request. A request that follows redirects produces one Response per hop.
type Response struct {
	URL           string
	StatusCode    int
	Status        string
	Header        http.Header
	ContentType   string
	ContentLength int64
	Location      string
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

func (r *Response) IsPermanentRedirect() bool {
	return r.StatusCode == http.StatusMovedPermanently
}

// MediaType returns the content type without parameters, lower-cased.
func (r *Response) MediaType() string {
	return mediaType(r.ContentType)
}

// newResponse builds the Response of one hop. URL and Location are
// expressed against base, the url the caller asked for, so a pinned address
// never leaks into them.
func newResponse(raw *http.Response, base string) *Response {
	resp := &Response{
		URL:           base,
		StatusCode:    raw.StatusCode,
		Status:        raw.Status,
		Header:        raw.Header,
		ContentType:   raw.Header.Get("Content-Type"),
		ContentLength: raw.ContentLength,
	}
	loc := raw.Header.Get("Location")
	if loc == "" {
		return resp
	}
	if baseURL, err := url.Parse(base); err == nil {
		if u, err := baseURL.Parse(loc); err == nil {
			resp.Location = u.String()
		}
	}
	return resp
}

// Listener receives the progress of a streaming request. Callbacks run on
// the request goroutine, never concurrently. The data slice passed to
// DataReceived is reused after the call returns. Returning an error from
// HeadersReceived or DataReceived ends the transfer with that error.
type Listener interface {
	HeadersReceived(resp *Response) error
	DataReceived(data []byte, position int64) error
	RequestCompleted(err error)
}

// Request is a long-lived GET that pushes the body to a Listener.
type Request struct {
	fetcher  *Fetcher
	url      string
	host     string
	header   map[string]string
	listener Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (f *Fetcher) NewRequest(rawURL string, header map[string]string, listener Listener) *Request {
	return &Request{
		fetcher:  f,
		url:      rawURL,
		header:   header,
		listener: listener,
	}
}

func (r *Request) URL() string {
	return r.url
}

// SetHost sends host in the Host header of the first hop and resolves
// redirects against it. Used when the url was pinned to an address.
func (r *Request) SetHost(host string) *Request {
	r.host = host
	return r
}

// baseURL is the request url with the Host override applied.
func (r *Request) baseURL() string {
	if r.host == "" {
		return r.url
	}
	u, err := url.Parse(r.url)
	if err != nil {
		return r.url
	}
	u.Host = r.host
	return u.String()
}

// Run starts the transfer on its own goroutine and returns immediately.
func (r *Request) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)
	return nil
}

// Stop cancels the transfer. The listener still receives RequestCompleted.
func (r *Request) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done is closed once RequestCompleted has returned.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

// Wait blocks until the transfer has finished and returns its outcome.
func (r *Request) Wait() error {
	<-r.Done()
	return r.Err()
}

func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Request) run(ctx context.Context) {
	err := r.transfer(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrStopped) {
		err = fmt.Errorf("%w: %v", ErrStopped, err)
	}

	r.mu.Lock()
	r.err = err
	done := r.done
	cancel := r.cancel
	r.mu.Unlock()

	if err != nil && !errors.Is(err, ErrStopped) {
		log.Debug().Err(err).Str("url", r.url).Msg("Stream request failed")
	}

	r.listener.RequestCompleted(err)
	cancel()
	close(done)
}

func (r *Request) transfer(ctx context.Context) error {
	target, base, host := r.url, r.baseURL(), r.host

	for redirects := 0; ; redirects++ {
		req := r.fetcher.stream.R().
			SetContext(ctx).
			SetHeaders(r.header).
			SetDoNotParseResponse(true)
		if host != "" {
			req.SetHeader("Host", host)
		}
		resp, err := req.Get(target)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", target, err)
		}

		body := resp.RawBody()
		hdr := newResponse(resp.RawResponse, base)

		log.Debug().
			Str("url", target).
			Int("status", hdr.StatusCode).
			Str("content_type", hdr.ContentType).
			Msg("Stream headers received")

		err = r.listener.HeadersReceived(hdr)
		if err == nil {
			err = r.pump(ctx, body)
		}
		body.Close()
		if err != nil {
			return err
		}

		if !hdr.IsRedirect() {
			return nil
		}
		if hdr.Location == "" {
			return fmt.Errorf("redirect %d from %s without location", hdr.StatusCode, target)
		}
		if redirects >= MaxRedirects {
			return ErrTooManyRedirects
		}
		target, base, host = hdr.Location, hdr.Location, ""
	}
}

func (r *Request) pump(ctx context.Context, body io.Reader) error {
	buf := make([]byte, ChunkSize)
	var position int64

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if lerr := r.listener.DataReceived(buf[:n], position); lerr != nil {
				return lerr
			}
			position += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
	}
}
