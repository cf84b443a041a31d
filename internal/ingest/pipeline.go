// Package ingest turns chat messages into stored, enriched links.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"linkfeed/internal/domain"
	"linkfeed/internal/links"
	"linkfeed/internal/scraper"
	"linkfeed/internal/storage"
)

// DefaultWorkers caps concurrent metadata fetches within one message.
const DefaultWorkers = 4

// Store is the subset of storage.Repository the pipeline writes through.
type Store interface {
	GetOrCreateChat(ctx context.Context, chatID int64) (domain.Chat, error)
	LinkExists(ctx context.Context, chatID int64, url string) (bool, error)
	InsertLink(ctx context.Context, chatID int64, url string, meta domain.Metadata, capturedAt time.Time, opts storage.LinkOptions) (domain.Link, error)
}

// Message is one inbound chat message.
type Message struct {
	ChatID    int64
	MessageID int
	Text      string
	Caption   string
	SharedBy  string
	// ExtraURLs come from sources outside the text, e.g. hidden text_link entities.
	ExtraURLs []string
}

// Body is the text the links are extracted from: the message text, or the caption.
func (m Message) Body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Pipeline extracts, deduplicates, enriches and stores links.
type Pipeline struct {
	store   Store
	fetcher scraper.Fetcher
	workers int
	now     func() time.Time
	log     logrus.FieldLogger
}

// New creates a pipeline. workers <= 0 selects DefaultWorkers.
func New(store Store, fetcher scraper.Fetcher, workers int, logger logrus.FieldLogger) *Pipeline {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{
		store:   store,
		fetcher: fetcher,
		workers: workers,
		now:     time.Now,
		log:     logger.WithField("component", "ingest"),
	}
}

// HandleMessage captures the links in text posted to chatID and returns how many were new.
func (p *Pipeline) HandleMessage(ctx context.Context, chatID int64, text string) (int, error) {
	return p.Handle(ctx, Message{ChatID: chatID, Text: text})
}

// Handle captures the links of msg and returns how many were new.
// Only storage failures are returned; fetch failures and duplicate
// inserts are absorbed.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (int, error) {
	candidates := links.Merge(links.Extract(msg.Body()), msg.ExtraURLs)
	if len(candidates) == 0 {
		return 0, nil
	}

	log := p.log.WithFields(logrus.Fields{
		"chat_id":    msg.ChatID,
		"message_id": msg.MessageID,
	})

	if _, err := p.store.GetOrCreateChat(ctx, msg.ChatID); err != nil {
		return 0, err
	}

	urls := normalizeAll(candidates, log)
	capturedAt := p.now()
	opts := storage.LinkOptions{SharedBy: msg.SharedBy, MessageID: msg.MessageID}

	// Existence checks and fetches run concurrently; inserts run afterwards
	// in message order, so link ids follow the order the links were posted.
	pending := make([]*domain.Metadata, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, url := range urls {
		g.Go(func() error {
			meta, ok, err := p.enrich(gctx, msg.ChatID, url, log)
			if ok {
				pending[i] = &meta
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for i, url := range urls {
		if pending[i] == nil {
			continue
		}
		ok, err := p.insert(ctx, msg.ChatID, url, *pending[i], capturedAt, opts, log)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}

	log.WithFields(logrus.Fields{
		"found":    len(urls),
		"captured": n,
	}).Info("Message processed")
	return n, nil
}

// enrich fetches metadata for a URL the chat has not captured yet; ok is
// false when the URL is already stored.
func (p *Pipeline) enrich(ctx context.Context, chatID int64, url string, log logrus.FieldLogger) (domain.Metadata, bool, error) {
	log = log.WithField("url", url)

	exists, err := p.store.LinkExists(ctx, chatID, url)
	if err != nil {
		return domain.Metadata{}, false, err
	}
	if exists {
		log.Debug("Link already captured, ignoring repost")
		return domain.Metadata{}, false, nil
	}

	meta, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		log.WithError(err).Warn("Metadata unavailable, storing bare link")
		meta = domain.Metadata{}
	}
	return meta, true, nil
}

// insert stores one enriched link; ok is false when another message captured it first.
func (p *Pipeline) insert(ctx context.Context, chatID int64, url string, meta domain.Metadata, capturedAt time.Time, opts storage.LinkOptions, log logrus.FieldLogger) (bool, error) {
	_, err := p.store.InsertLink(ctx, chatID, url, meta, capturedAt, opts)
	if errors.Is(err, storage.ErrConflict) {
		log.WithField("url", url).Debug("Link captured concurrently, nothing to do")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// normalizeAll maps candidates to their canonical form, dropping invalid
// entries and forms that collapse onto an earlier one.
func normalizeAll(candidates []string, log logrus.FieldLogger) []string {
	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, raw := range candidates {
		url, err := links.Normalize(raw)
		if err != nil {
			log.WithError(err).WithField("url", raw).Debug("Skipping invalid URL")
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}
