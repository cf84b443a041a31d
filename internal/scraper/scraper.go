package scraper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"linkfeed/internal/domain"
)

// ErrFetchFailed wraps every reason a page could not be turned into metadata.
var ErrFetchFailed = errors.New("metadata fetch failed")

// Fetcher defines the interface for fetching metadata from a URL.
type Fetcher interface {
	// Fetch retrieves the page at url and extracts its title, description and image.
	// Failures are reported as errors wrapping ErrFetchFailed; callers are expected
	// to carry on with empty metadata.
	Fetch(ctx context.Context, url string) (domain.Metadata, error)
}

// Retrying decorates a Fetcher with a fixed number of extra attempts.
type Retrying struct {
	next     Fetcher
	attempts int
	backoff  time.Duration
	log      logrus.FieldLogger
}

// NewRetrying returns next unchanged when retries is zero or negative.
func NewRetrying(next Fetcher, retries int, backoff time.Duration, logger logrus.FieldLogger) Fetcher {
	if retries <= 0 {
		return next
	}
	return &Retrying{
		next:     next,
		attempts: retries + 1,
		backoff:  backoff,
		log:      logger.WithField("component", "scraper_retry"),
	}
}

// Fetch calls the wrapped Fetcher until it succeeds, the attempts run out or ctx is done.
func (r *Retrying) Fetch(ctx context.Context, url string) (domain.Metadata, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		meta, err := r.next.Fetch(ctx, url)
		if err == nil {
			return meta, nil
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt,
		}).Debug("Fetch failed, retrying")

		select {
		case <-ctx.Done():
			return domain.Metadata{}, errors.Join(ErrFetchFailed, ctx.Err())
		case <-time.After(r.backoff):
		}
	}
	return domain.Metadata{}, lastErr
}
