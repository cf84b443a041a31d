// Package feed authenticates feed requests and renders chats as RSS.
package feed

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/sirupsen/logrus"

	"linkfeed/internal/domain"
	"linkfeed/internal/storage"
)

var (
	// ErrUnauthorized is returned when the token does not match the chat.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for chats the store has never seen.
	ErrNotFound = errors.New("chat not found")
)

// Store is the subset of storage.Repository the feed side reads.
type Store interface {
	GetOrCreateChat(ctx context.Context, chatID int64) (domain.Chat, error)
	GetChat(ctx context.Context, chatID int64) (domain.Chat, error)
	ListLinks(ctx context.Context, chatID int64, limit int) ([]domain.Link, error)
	ChatForToken(ctx context.Context, token string) (int64, error)
	RotateToken(ctx context.Context, chatID int64) (domain.Chat, error)
}

// Service issues feed URLs and renders authenticated feeds.
type Service struct {
	store   Store
	baseURL string
	limit   int
	log     logrus.FieldLogger
}

// NewService creates a feed service. limit <= 0 selects storage.DefaultListLimit.
func NewService(store Store, baseURL string, limit int, logger logrus.FieldLogger) *Service {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	return &Service{
		store:   store,
		baseURL: baseURL,
		limit:   limit,
		log:     logger.WithField("component", "feed"),
	}
}

// RenderFeed returns the chat's RSS document if token is the chat's current token.
func (s *Service) RenderFeed(ctx context.Context, chatID int64, token string) ([]byte, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(chat.Token), []byte(token)) != 1 {
		s.log.WithField("chat_id", chatID).Warn("Feed request with invalid token")
		return nil, ErrUnauthorized
	}
	return s.render(ctx, chat)
}

// RenderFeedByToken serves the token-only address, where the token alone identifies the chat.
func (s *Service) RenderFeedByToken(ctx context.Context, token string) ([]byte, error) {
	chatID, err := s.store.ChatForToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return s.RenderFeed(ctx, chatID, token)
}

func (s *Service) render(ctx context.Context, chat domain.Chat) ([]byte, error) {
	links, err := s.store.ListLinks(ctx, chat.ID, s.limit)
	if err != nil {
		return nil, err
	}
	return Render(chat, links, s.baseURL)
}

// IssueFeedURL returns the chat's shareable feed address, registering the chat if needed.
func (s *Service) IssueFeedURL(ctx context.Context, chatID int64) (string, error) {
	chat, err := s.store.GetOrCreateChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return FeedURL(s.baseURL, chat.ID, chat.Token), nil
}

// RotateFeedURL invalidates the current address and returns a new one.
func (s *Service) RotateFeedURL(ctx context.Context, chatID int64) (string, error) {
	if _, err := s.store.GetOrCreateChat(ctx, chatID); err != nil {
		return "", err
	}
	chat, err := s.store.RotateToken(ctx, chatID)
	if err != nil {
		return "", err
	}
	return FeedURL(s.baseURL, chat.ID, chat.Token), nil
}
