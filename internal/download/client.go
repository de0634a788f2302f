// Package download fetches update catalogs and artifacts over HTTP and keeps
// a local cache of downloaded artifacts.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"
)

// ProgressFunc receives the bytes read so far and the expected total, which
// is -1 when the server did not announce a length.
type ProgressFunc func(done, total int64)

// Client downloads resources and classifies failures as ClientError,
// ServerError or DecodeError.
type Client struct {
	http     *http.Client
	log      *slog.Logger
	progress ProgressFunc
}

// NewClient returns a client whose requests time out after timeout
// (default 60s).
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  logger,
	}
}

// WithProgress returns a copy of c reporting body progress to fn.
func (c *Client) WithProgress(fn ProgressFunc) *Client {
	cp := *c
	cp.progress = fn
	return &cp
}

// Fetch returns the body of a successful GET.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: ClientError, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json, application/octet-stream, text/plain")

	c.log.Debug("[DL] GET", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ClientError, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &Error{Kind: ServerError, URL: url, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if c.progress != nil {
		body = io.TeeReader(resp.Body, &progressWriter{total: resp.ContentLength, report: c.progress})
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &Error{Kind: ClientError, URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}
	c.log.Debug("[DL] fetched", "url", url, "bytes", len(data))
	return data, nil
}

// Firmware downloads a firmware image.
func (c *Client) Firmware(ctx context.Context, url string) ([]byte, error) {
	data, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &Error{Kind: DecodeError, URL: url, Err: errors.New("empty firmware image")}
	}
	return data, nil
}

// Configuration downloads a configuration script as text.
func (c *Client) Configuration(ctx context.Context, url string) (string, error) {
	data, err := c.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", &Error{Kind: DecodeError, URL: url, Err: errors.New("configuration is not valid UTF-8 text")}
	}
	return string(data), nil
}

// JSON downloads url and decodes it into v.
func (c *Client) JSON(ctx context.Context, url string, v any) error {
	data, err := c.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Kind: DecodeError, URL: url, Err: err}
	}
	return nil
}

// progressWriter counts bytes passing through and reports them.
type progressWriter struct {
	total   int64
	written int64
	report  ProgressFunc
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	pw.written += int64(len(p))
	pw.report(pw.written, pw.total)
	return len(p), nil
}
