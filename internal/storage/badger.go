package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"linkfeed/internal/domain"
)

const (
	// maxTxnAttempts bounds retries after badger.ErrConflict.
	maxTxnAttempts = 16
	// tokenBytes of entropy per feed token.
	tokenBytes = 32
	// seqBandwidth is how many link IDs are leased from disk at a time.
	seqBandwidth = 128
)

var linkSeqKey = []byte("seq/links")

// BadgerRepository implements the Repository interface using BadgerDB.
//
// Key layout:
//
//	chat/{chatID}            -> domain.Chat (JSON)
//	token/{token}            -> chatID
//	link/{chatID}/{url}      -> link ID (uniqueness index)
//	feed/{chatID}/{linkID}   -> domain.Link (JSON), linkID big-endian so keys sort by insertion
//
// Concurrent writers never take a global lock: badger's optimistic transactions
// detect conflicting reads of the same chat or link key at commit time.
type BadgerRepository struct {
	db  *badger.DB
	seq *badger.Sequence
	log logrus.FieldLogger
}

// Option customizes the BadgerDB options.
type Option func(*badger.Options)

// WithSyncWrites controls whether each commit is fsynced before returning. Defaults to true.
func WithSyncWrites(sync bool) Option {
	return func(o *badger.Options) {
		o.SyncWrites = sync
	}
}

// NewBadgerRepository creates and initializes a new BadgerDB repository.
// It opens the database at the specified path.
func NewBadgerRepository(dbPath string, logger logrus.FieldLogger, options ...Option) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath).WithSyncWrites(true)
	// Add logger to Badger options for internal logging
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}
	for _, o := range options {
		o(&opts)
	}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("%w: open badger db at %s: %w", ErrUnavailable, dbPath, err)
	}

	seq, err := db.GetSequence(linkSeqKey, seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: lease link sequence: %w", ErrUnavailable, err)
	}
	logger.WithFields(logrus.Fields{
		"path":        dbPath,
		"sync_writes": opts.SyncWrites,
	}).Info("BadgerDB opened")

	return &BadgerRepository{
		db:  db,
		seq: seq,
		log: logger.WithField("component", "repository"),
	}, nil
}

// Close releases the leased sequence range and closes the database.
func (r *BadgerRepository) Close() error {
	r.log.Info("Closing BadgerDB...")
	seqErr := r.seq.Release()
	if err := r.db.Close(); err != nil {
		r.log.WithError(err).Error("Error closing BadgerDB")
		return errors.Join(seqErr, err)
	}
	return seqErr
}

func chatKey(chatID int64) []byte {
	return []byte("chat/" + strconv.FormatInt(chatID, 10))
}

func tokenKey(token string) []byte {
	return []byte("token/" + token)
}

func linkKey(chatID int64, url string) []byte {
	return []byte(fmt.Sprintf("link/%d/%s", chatID, url))
}

func feedPrefix(chatID int64) []byte {
	return []byte(fmt.Sprintf("feed/%d/", chatID))
}

func feedKey(chatID int64, linkID uint64) []byte {
	return binary.BigEndian.AppendUint64(feedPrefix(chatID), linkID)
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// update runs fn in a read-write transaction, retrying when a concurrent
// commit touched a key fn read.
func (r *BadgerRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.WithField("attempt", attempt).Debug("Transaction conflict, retrying")
	}
	return err
}

// wrapErr passes through the package's own sentinels and context errors and
// marks everything else as an engine failure.
func wrapErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
}

func getChat(txn *badger.Txn, chatID int64) (domain.Chat, error) {
	var chat domain.Chat
	item, err := txn.Get(chatKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat, ErrNotFound
	}
	if err != nil {
		return chat, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &chat)
	})
	return chat, err
}

func putChat(txn *badger.Txn, chat domain.Chat) error {
	chatBytes, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	if err := txn.Set(chatKey(chat.ID), chatBytes); err != nil {
		return err
	}
	return txn.Set(tokenKey(chat.Token), []byte(strconv.FormatInt(chat.ID, 10)))
}

// GetOrCreateChat returns the chat, creating it with a fresh token on first use.
func (r *BadgerRepository) GetOrCreateChat(ctx context.Context, chatID int64) (domain.Chat, error) {
	var (
		chat    domain.Chat
		created bool
	)
	err := r.update(ctx, func(txn *badger.Txn) error {
		created = false
		existing, err := getChat(txn, chatID)
		if err == nil {
			chat = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		token, err := newToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		chat = domain.Chat{ID: chatID, Token: token, CreatedAt: time.Now().UTC()}
		created = true
		return putChat(txn, chat)
	})
	if err != nil {
		r.log.WithError(err).WithField("chat_id", chatID).Error("Failed to get or create chat")
		return domain.Chat{}, wrapErr(err, "get or create chat")
	}
	if created {
		r.log.WithField("chat_id", chatID).Info("Chat registered")
	}
	return chat, nil
}

// GetChat returns ErrNotFound for a chat never seen before.
func (r *BadgerRepository) GetChat(ctx context.Context, chatID int64) (domain.Chat, error) {
	if err := ctx.Err(); err != nil {
		return domain.Chat{}, err
	}
	var chat domain.Chat
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		chat, err = getChat(txn, chatID)
		return err
	})
	return chat, wrapErr(err, "get chat")
}

// LinkExists reports whether the chat already holds url.
func (r *BadgerRepository) LinkExists(ctx context.Context, chatID int64, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(linkKey(chatID, url))
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return err
		}
	})
	return exists, wrapErr(err, "check link")
}

// InsertLink stores a new link under the (chat, url) uniqueness key.
func (r *BadgerRepository) InsertLink(ctx context.Context, chatID int64, url string, meta domain.Metadata, capturedAt time.Time, opts LinkOptions) (domain.Link, error) {
	log := r.log.WithFields(logrus.Fields{
		"chat_id": chatID,
		"url":     url,
	})

	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	next, err := r.seq.Next()
	if err != nil {
		return domain.Link{}, wrapErr(err, "next link id")
	}

	link := domain.Link{
		ID:         next + 1,
		ChatID:     chatID,
		URL:        url,
		Metadata:   meta,
		SharedBy:   opts.SharedBy,
		MessageID:  opts.MessageID,
		CapturedAt: capturedAt.UTC(),
	}
	linkBytes, err := json.Marshal(link)
	if err != nil {
		return domain.Link{}, fmt.Errorf("marshal link: %w", err)
	}

	err = r.update(ctx, func(txn *badger.Txn) error {
		if _, err := getChat(txn, chatID); err != nil {
			return err
		}

		// Reading the uniqueness key puts it in this transaction's read set, so a
		// concurrent insert of the same URL fails the commit with ErrConflict and
		// the retry observes the winner.
		key := linkKey(chatID, url)
		_, err := txn.Get(key)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(key, binary.BigEndian.AppendUint64(nil, link.ID)); err != nil {
			return err
		}
		return txn.Set(feedKey(chatID, link.ID), linkBytes)
	})
	if err != nil {
		if !errors.Is(err, ErrConflict) {
			log.WithError(err).Error("Failed to insert link")
		}
		return domain.Link{}, wrapErr(err, "insert link")
	}

	log.WithField("link_id", link.ID).Info("Link saved")
	return link, nil
}

// ListLinks returns at most limit links of the chat, most recent first.
func (r *BadgerRepository) ListLinks(ctx context.Context, chatID int64, limit int) ([]domain.Link, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	links := make([]domain.Link, 0, limit)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = feedPrefix(chatID)
		if limit < opts.PrefetchSize {
			opts.PrefetchSize = limit
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key not above the seek key.
		seek := append(feedPrefix(chatID), bytes.Repeat([]byte{0xff}, 9)...)
		for it.Seek(seek); it.ValidForPrefix(opts.Prefix) && len(links) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var link domain.Link
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &link)
			})
			if err != nil {
				return fmt.Errorf("decode link %q: %w", item.Key(), err)
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("chat_id", chatID).Error("Failed to list links")
		return nil, wrapErr(err, "list links")
	}
	return links, nil
}

// TokenForChat returns the feed token of an existing chat.
func (r *BadgerRepository) TokenForChat(ctx context.Context, chatID int64) (string, error) {
	chat, err := r.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return chat.Token, nil
}

// ChatForToken resolves a feed token through the token index.
func (r *BadgerRepository) ChatForToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var chatID int64
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			chatID, err = strconv.ParseInt(string(val), 10, 64)
			return err
		})
	})
	return chatID, wrapErr(err, "resolve token")
}

// RotateToken replaces the chat's token and drops the old index entry atomically.
func (r *BadgerRepository) RotateToken(ctx context.Context, chatID int64) (domain.Chat, error) {
	var chat domain.Chat
	err := r.update(ctx, func(txn *badger.Txn) error {
		current, err := getChat(txn, chatID)
		if err != nil {
			return err
		}
		token, err := newToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		if err := txn.Delete(tokenKey(current.Token)); err != nil {
			return err
		}
		current.Token = token
		chat = current
		return putChat(txn, chat)
	})
	if err != nil {
		return domain.Chat{}, wrapErr(err, "rotate token")
	}
	r.log.WithField("chat_id", chatID).Info("Feed token rotated")
	return chat, nil
}

// Stats counts chats and links with key-only iteration.
func (r *BadgerRepository) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	var stats Stats
	err := r.db.View(func(txn *badger.Txn) error {
		stats.Chats = countPrefix(txn, []byte("chat/"))
		stats.Links = countPrefix(txn, []byte("feed/"))
		return nil
	})
	return stats, wrapErr(err, "stats")
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n
}

// RunGC periodically reclaims value log space until ctx is cancelled.
func (r *BadgerRepository) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Badger rewrites at most one file per call; keep going while it finds work.
			rewrites := 0
			for {
				err := r.db.RunValueLogGC(0.7)
				if err == nil {
					rewrites++
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					r.log.WithError(err).Error("BadgerDB GC failed")
				}
				break
			}
			r.log.WithField("rewrites", rewrites).Debug("BadgerDB GC pass completed")
		case <-ctx.Done():
			r.log.Info("Stopping BadgerDB GC routine")
			return
		}
	}
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
