package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tanq16/hydra/internal/utils"
)

const fallbackFilename = "download"

// Config controls the shared transfer client. Zero values are filled with
// defaults by New.
type Config struct {
	Timeout      time.Duration // per-request ceiling
	ProbeTimeout time.Duration // HEAD probe ceiling
	KATimeout    time.Duration // keep-alive idle timeout
	UserAgent    string
	Headers      map[string]string
	MaxRetries   int           // retries after the first attempt
	BackoffBase  time.Duration // wait = base * 2^attempt + jitter
	TLSVerify    bool          // certificate validation is off unless set
}

// FileInfo is the result of probing a URL.
type FileInfo struct {
	Size           int64
	SupportsRanges bool
	Filename       string
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Client issues all HTTP requests for the engine over one pooled
// keep-alive transport shared by every task.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	config     Config
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		transport: transport,
		config:    cfg,
	}
}

// Close drains the idle connection pool. Safe to call once at shutdown.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", "Hydra-CLI")
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

// Probe determines file size, range support, and a display filename.
// A HEAD request is tried first under the probe timeout; on any HEAD
// failure it falls back to a GET with "Range: bytes=0-0" and reads the
// Content-Range total, which is authoritative when present.
func (c *Client) Probe(ctx context.Context, link string) (*FileInfo, error) {
	log := utils.GetLogger("transfer-client")
	headCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating HEAD request: %v", err)
	}
	resp, err := c.do(req)
	if err == nil && resp.StatusCode < 400 {
		defer resp.Body.Close()
		info := &FileInfo{Filename: extractFilename(link, resp.Header)}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			info.Size, _ = strconv.ParseInt(cl, 10, 64)
		}
		acceptRanges := resp.Header.Get("Accept-Ranges")
		info.SupportsRanges = acceptRanges != "" && strings.ToLower(acceptRanges) != "none"
		log.Debug().Str("url", link).Int64("size", info.Size).Bool("ranges", info.SupportsRanges).Msg("HEAD probe succeeded")
		return info, nil
	}
	if err == nil {
		resp.Body.Close()
		err = &StatusError{Code: resp.StatusCode}
	}
	log.Debug().Err(err).Str("url", link).Msg("HEAD probe failed, falling back to ranged GET")
	return c.probeWithRange(ctx, link)
}

func (c *Client) probeWithRange(ctx context.Context, link string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating probe request: %v", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("error probing URL: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 2))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("error probing URL: %w", &StatusError{Code: resp.StatusCode})
	}
	info := &FileInfo{Filename: extractFilename(link, resp.Header)}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		parts := strings.Split(cr, "/")
		if len(parts) == 2 {
			info.Size, _ = strconv.ParseInt(parts[1], 10, 64)
		}
		info.SupportsRanges = true
	} else {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			info.Size, _ = strconv.ParseInt(cl, 10, 64)
		}
		info.SupportsRanges = false
	}
	return info, nil
}

// FetchRange downloads the inclusive byte span [start, end]. Transient
// failures (timeouts, connection errors, 5xx) are retried with exponential
// backoff plus jitter; other failures propagate immediately. Returns the
// body and the measured round-trip time in milliseconds.
func (c *Client) FetchRange(ctx context.Context, link string, start, end int64) ([]byte, float64, error) {
	log := utils.GetLogger("transfer-client")
	for attempt := 0; ; attempt++ {
		data, rtt, err := c.fetchRangeOnce(ctx, link, start, end)
		if err == nil {
			return data, rtt, nil
		}
		if attempt >= c.config.MaxRetries || !IsNetworkError(err) || ctx.Err() != nil {
			return nil, 0, err
		}
		wait := c.config.BackoffBase<<attempt + time.Duration(rand.Int63n(int64(c.config.BackoffBase)))
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Int64("start", start).Msg("Retrying chunk fetch")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (c *Client) fetchRangeOnce(ctx context.Context, link string, start, end int64) ([]byte, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating range request: %v", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Connection", "keep-alive")
	began := time.Now()
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, 0, &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, float64(time.Since(began).Milliseconds()), nil
}

// FetchWhole downloads the entire body with a single GET. Used when the
// server rejects range requests; no retry wrapper.
func (c *Client) FetchWhole(ctx context.Context, link string) ([]byte, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating GET request: %v", err)
	}
	began := time.Now()
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &StatusError{Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return data, float64(time.Since(began).Milliseconds()), nil
}

// IsNetworkError classifies timeouts, connection-level failures, and 5xx
// responses as network errors; everything else is "other".
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return false
}

func extractFilename(link string, header http.Header) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return fn
			}
		}
	}
	if parsed, err := url.Parse(link); err == nil {
		parts := strings.Split(parsed.Path, "/")
		if tail := parts[len(parts)-1]; tail != "" {
			return tail
		}
	}
	return fallbackFilename
}
