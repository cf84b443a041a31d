package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"linkfeed/internal/domain"
)

// RodFetcher implements Fetcher with a headless browser, for pages that only
// expose their metadata after JavaScript runs. A browser is launched per fetch.
type RodFetcher struct {
	timeout      time.Duration
	maxBytes     int64
	allowPrivate bool
	log          logrus.FieldLogger
}

// NewRodFetcher creates a browser-backed fetcher.
func NewRodFetcher(timeout time.Duration, maxBytes int64, logger logrus.FieldLogger, opts ...Option) *RodFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &RodFetcher{
		timeout:      timeout,
		maxBytes:     maxBytes,
		allowPrivate: applyOptions(opts).allowPrivate,
		log:          logger.WithField("component", "scraper_rod"),
	}
}

// Fetch renders url and parses the resulting document.
func (s *RodFetcher) Fetch(ctx context.Context, url string) (meta domain.Metadata, err error) {
	log := s.log.WithField("url", url)
	log.Debug("Rendering page for metadata")

	pageCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The browser resolves and dials on its own, so the host is checked up front.
	if !s.allowPrivate {
		if err := checkPublicHost(pageCtx, url); err != nil {
			return domain.Metadata{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
	}

	// --- Browser Setup ---
	path, exists := launcher.LookPath()
	if !exists {
		return domain.Metadata{}, fmt.Errorf("%w: browser executable not found", ErrFetchFailed)
	}
	l := launcher.New().Bin(path).Context(pageCtx)
	defer l.Kill()

	controlURL, err := l.Launch()
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: launch browser: %v", ErrFetchFailed, err)
	}
	browser := rod.New().ControlURL(controlURL).Context(pageCtx)
	if err := browser.Connect(); err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: connect to browser: %v", ErrFetchFailed, err)
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Error closing rod browser instance")
		}
	}()

	// --- Page Navigation ---
	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: create page: %v", ErrFetchFailed, err)
	}
	if err := page.WaitLoad(); err != nil {
		if errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
			return domain.Metadata{}, fmt.Errorf("%w: render timed out after %s", ErrFetchFailed, s.timeout)
		}
		return domain.Metadata{}, fmt.Errorf("%w: wait for page load: %v", ErrFetchFailed, err)
	}

	html, err := page.HTML()
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: read rendered html: %v", ErrFetchFailed, err)
	}
	if int64(len(html)) > s.maxBytes {
		return domain.Metadata{}, fmt.Errorf("%w: rendered document exceeds %d bytes", ErrFetchFailed, s.maxBytes)
	}

	return ParseMetadata(strings.NewReader(html), url)
}
