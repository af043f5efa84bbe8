// Package upstream talks to the paginated procurement-notice API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/util"
)

const maxBody = 64 << 20

type Client struct {
	BaseURL       string
	Version       string
	HTTP          *http.Client
	Policy        util.Policy
	RetryStatuses []int
	UserAgent     string
	Log           zerolog.Logger
	Metrics       *metrics.Metrics
}

// New builds a client from the upstream config section.
func New(cfg config.UpstreamConfig, userAgent string, log zerolog.Logger, m *metrics.Metrics) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		Version:       cfg.APIVersion,
		HTTP:          &http.Client{Timeout: cfg.Timeout, Transport: transport},
		Policy:        util.Policy{Attempts: cfg.MaxAttempts, Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: cfg.Jitter},
		RetryStatuses: cfg.RetryStatuses,
		UserAgent:     userAgent,
		Log:           log,
		Metrics:       m,
	}
}

func (c *Client) packagesURL() string {
	return fmt.Sprintf("%s/api/%s/ocdsReleasePackages", c.BaseURL, url.PathEscape(c.Version))
}

// FetchPage retrieves one page of release packages.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	body, err := c.FetchPageRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodePage(body)
}

// FetchPageRaw returns the undecoded page body.
func (c *Client) FetchPageRaw(ctx context.Context, req PageRequest) ([]byte, error) {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	req.Filters.apply(q)
	target := c.packagesURL()
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return c.get(ctx, target)
}

// FetchNotice retrieves the release package for one notice id or ocid.
func (c *Client) FetchNotice(ctx context.Context, id string) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errs.E(errs.Validation, "notice id is required")
	}
	body, err := c.get(ctx, c.packagesURL()+"/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errs.E(errs.Upstream, "notice %s: response is not JSON", id)
	}
	return json.RawMessage(body), nil
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	err := util.Retry(ctx, c.Policy, func(attempt int) error {
		b, err := c.do(ctx, target)
		if err == nil {
			body = b
			c.Metrics.UpstreamRequest("ok")
			return nil
		}
		var re *util.RetryableError
		if errors.As(err, &re) {
			c.Metrics.UpstreamRequest("retry")
			c.Log.Warn().Err(re.Err).Int("attempt", attempt+1).Int("max_attempts", c.Policy.Attempts).Msg("upstream request failed, backing off")
		} else {
			c.Metrics.UpstreamRequest("error")
		}
		return err
	})
	if err == nil {
		return body, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errs.KindOf(err) == errs.Internal {
		err = errs.Wrap(errs.Upstream, err, "upstream request")
	}
	return nil, err
}

func (c *Client) do(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, util.Retryable(fmt.Errorf("network error: %w", err), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, util.Retryable(fmt.Errorf("read body: %w", err), 0)
	}
	if slices.Contains(c.RetryStatuses, resp.StatusCode) {
		return nil, util.Retryable(fmt.Errorf("upstream status %d", resp.StatusCode), retryAfter(resp.Header.Get("Retry-After")))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.E(errs.NotFound, "upstream %s: not found", req.URL.Path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errs.E(errs.Upstream, "upstream status %d: %s", resp.StatusCode, excerpt(body))
	}
	return body, nil
}

// retryAfter understands the delta-seconds form only.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
