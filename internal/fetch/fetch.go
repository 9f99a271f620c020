// Package fetch performs the HTTP transfers used by station probing and
// playback: short bounded GETs that collect a body, and long-lived streaming
// GETs that push data to a listener as it arrives.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 30 * time.Second
	MaxRedirects   = 3
	ChunkSize      = 4096
)

var (
	// ErrNoHeaders is returned when the server accepted the connection but
	// sent no response headers before the deadline.
	ErrNoHeaders = errors.New("no response headers received")
	// ErrEmptyBody is returned by GetAll when the response carried no bytes.
	ErrEmptyBody        = errors.New("empty response body")
	ErrStopped          = errors.New("request stopped")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrAlreadyRunning   = errors.New("request already running")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Status)
}

// Options bound a GetAll transfer.
type Options struct {
	Accept    string
	Timeout   time.Duration
	SizeLimit int64
	// Host overrides the Host header, for urls pinned to an address.
	Host string
}

// Result is the outcome of a bounded GET.
type Result struct {
	URL         string
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte
}

// MediaType returns the content type without parameters, lower-cased.
func (r *Result) MediaType() string {
	return mediaType(r.ContentType)
}

// Fetcher owns the HTTP clients shared by all transfers.
type Fetcher struct {
	client    *resty.Client
	stream    *resty.Client
	userAgent string
	timeout   time.Duration
}

func New(userAgent string, timeout time.Duration) *Fetcher {
	if userAgent == "" {
		userAgent = "StreamRadio"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.NewWithClient(&http.Client{Transport: newTransport()}).
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(MaxRedirects)).
		SetLogger(restyLogger{})

	// Redirects on streams are surfaced to the listener instead of being
	// followed inside net/http.
	stream := resty.NewWithClient(&http.Client{Transport: newTransport()}).
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetLogger(restyLogger{})

	return &Fetcher{
		client:    client,
		stream:    stream,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

func (f *Fetcher) UserAgent() string {
	return f.userAgent
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &icyConn{Conn: conn}, nil
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
}

// GetAll performs a synchronous GET and collects at most opts.SizeLimit bytes
// of the body (0 means no limit). A transfer cut short by the deadline still
// returns the bytes collected so far.
func (f *Fetcher) GetAll(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept-Encoding", "gzip")
	if opts.Accept != "" {
		req.SetHeader("Accept", opts.Accept)
	}
	if opts.Host != "" {
		req.SetHeader("Host", opts.Host)
	}

	resp, err := req.Get(rawURL)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: %w", rawURL, ErrNoHeaders)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}

	body := resp.RawBody()
	defer body.Close()

	data, readErr := readBody(body, resp.Header().Get("Content-Encoding"), opts.SizeLimit)
	if readErr != nil && len(data) == 0 && !isTimeout(readErr) {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, readErr)
	}

	if len(data) == 0 {
		if !resp.IsSuccess() {
			return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
		}
		return nil, fmt.Errorf("%s: %w", rawURL, ErrEmptyBody)
	}

	finalURL := rawURL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	log.Debug().
		Str("url", finalURL).
		Int("status", resp.StatusCode()).
		Int("bytes", len(data)).
		Msg("Fetched")

	return &Result{
		URL:         finalURL,
		StatusCode:  resp.StatusCode(),
		Header:      resp.Header(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        data,
	}, nil
}

func readBody(body io.Reader, encoding string, limit int64) ([]byte, error) {
	r := body
	if strings.EqualFold(strings.TrimSpace(encoding), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	if limit > 0 {
		r = io.LimitReader(r, limit)
	}
	return io.ReadAll(r)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) { log.Error().Msgf(format, v...) }
func (restyLogger) Warnf(format string, v ...interface{})  { log.Warn().Msgf(format, v...) }
func (restyLogger) Debugf(format string, v ...interface{}) { log.Debug().Msgf(format, v...) }
