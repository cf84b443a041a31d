package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"linkfeed/internal/domain"
)

const (
	// DefaultTimeout bounds a single fetch, connect and read included.
	DefaultTimeout = 8 * time.Second
	// DefaultMaxBytes caps how much of a response body is read.
	DefaultMaxBytes int64 = 2 << 20

	userAgent = "Mozilla/5.0 (compatible; linkfeed/1.0; +https://core.telegram.org/bots)"
)

// HTTPFetcher implements Fetcher with a single bounded GET request.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	log      logrus.FieldLogger
}

// NewHTTPFetcher creates a fetcher. Zero values select DefaultTimeout and DefaultMaxBytes.
// Only public addresses are dialed unless WithPrivateNetworks is given.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, logger logrus.FieldLogger, opts ...Option) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	o := applyOptions(opts)

	dialer := &net.Dialer{Timeout: timeout}
	if !o.allowPrivate {
		dialer.Control = publicOnly
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		maxBytes: maxBytes,
		log:      logger.WithField("component", "scraper"),
	}
}

// Fetch retrieves url and parses its metadata.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (domain.Metadata, error) {
	log := f.log.WithField("url", url)
	log.Debug("Fetching metadata")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Metadata{}, fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	if !isHTML(resp.Header.Get("Content-Type")) {
		return domain.Metadata{}, fmt.Errorf("%w: content type %q is not html", ErrFetchFailed, resp.Header.Get("Content-Type"))
	}

	// Read one byte past the cap so an oversized body is detected rather than truncated.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBytes {
		return domain.Metadata{}, fmt.Errorf("%w: body exceeds %d bytes", ErrFetchFailed, f.maxBytes)
	}

	// Redirects may have moved us; relative image paths resolve against the final URL.
	meta, err := ParseMetadata(bytes.NewReader(body), resp.Request.URL.String())
	if err != nil {
		return domain.Metadata{}, err
	}

	log.WithFields(logrus.Fields{
		"title":     meta.Title,
		"has_image": meta.ImageURL != "",
	}).Debug("Metadata fetched")
	return meta, nil
}

func isHTML(contentType string) bool {
	// Servers that omit the header usually serve HTML anyway.
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml" || strings.HasSuffix(mediaType, "+html")
}
