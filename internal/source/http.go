// Package source opens inbound byte streams for ingestion from remote
// URLs.
package source

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/retry"
)

// Source is an opened input stream of known or unknown length.
type Source struct {
	Body io.ReadCloser
	// Name is the file name suggested by the response or URL.
	Name        string
	ContentType string
	// Size is the declared length, or -1 when unknown.
	Size int64
}

// Fetcher opens HTTP(S) URLs, retrying transient failures until the
// response headers arrive. Failures after that surface from Body.Read.
type Fetcher struct {
	client    *http.Client
	policy    retry.Policy
	userAgent string
}

// NewFetcher returns a Fetcher. A nil client uses a pooled default client
// without an overall timeout, since bodies may stream for hours.
func NewFetcher(client *http.Client, policy retry.Policy) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          32,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: time.Minute,
			},
		}
	}
	return &Fetcher{client: client, policy: policy, userAgent: "partstash/0.1"}
}

// Open issues a GET for rawURL and returns the response body as a Source.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, stasherr.ErrInvalidArgument.WithMessage("unsupported source URL %q", rawURL)
	}

	var resp *http.Response
	err = f.policy.Do(ctx, "source", func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return stasherr.ErrInvalidArgument.WithCause(err)
		}
		req.Header.Set("User-Agent", f.userAgent)

		r, err := f.client.Do(req)
		if err != nil {
			return stasherr.ErrTransient.WithMessage("fetching %s", u.Redacted()).WithCause(err)
		}
		if err := classifyStatus(r); err != nil {
			io.Copy(io.Discard, io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	size := resp.ContentLength
	if size < 0 {
		size = -1
	}
	return &Source{
		Body:        resp.Body,
		Name:        suggestedName(resp, u),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        size,
	}, nil
}

func classifyStatus(r *http.Response) error {
	code := r.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return stasherr.ErrNotFound.WithMessage("source returned %s", r.Status)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		e := stasherr.ErrTransient.WithMessage("source returned %s", r.Status)
		if d := retryAfter(r.Header.Get("Retry-After")); d > 0 {
			e = e.WithRetryAfter(d)
		}
		return e
	default:
		return stasherr.ErrFatal.WithMessage("source returned %s", r.Status)
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// suggestedName prefers the Content-Disposition filename, then the last
// URL path segment.
func suggestedName(r *http.Response, u *url.URL) string {
	if cd := r.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
		return base
	}
	return u.Hostname()
}
