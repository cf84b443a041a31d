// Package httpapi exposes chat feeds over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"linkfeed/internal/feed"
	"linkfeed/internal/storage"
)

const rssContentType = "application/rss+xml; charset=utf-8"

// FeedRenderer renders authenticated feeds.
type FeedRenderer interface {
	RenderFeed(ctx context.Context, chatID int64, token string) ([]byte, error)
	RenderFeedByToken(ctx context.Context, token string) ([]byte, error)
}

// StatsSource reports store health.
type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

// SetupRoutes registers the feed, health and usage routes on router.
func SetupRoutes(router *gin.Engine, feeds FeedRenderer, stats StatsSource, logger logrus.FieldLogger) {
	log := logger.WithField("component", "http")

	router.GET("/", UsageHandler)
	router.GET("/health", HealthHandler(stats, log))
	router.GET("/feed/:chatID", FeedHandler(feeds, log))
	router.GET("/rss", TokenFeedHandler(feeds, log))
}

// NewRouter builds a gin engine with recovery and logrus request logging.
func NewRouter(logger logrus.FieldLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger.WithField("component", "http")))
	return router
}

// RequestLogger logs one line per request. Query strings are left out because they carry feed tokens.
func RequestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}).Info("Request served")
	}
}

// UsageHandler describes the service.
func UsageHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Telegram link feed server",
		"usage":   "Send /rssfeed in a chat with the bot, then open /feed/{chatID}?token=YOUR_TOKEN",
	})
}

// HealthHandler reports store counts, or 503 when the store cannot be read.
func HealthHandler(stats StatsSource, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := stats.Stats(c.Request.Context())
		if err != nil {
			log.WithError(err).Error("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"links_count": s.Links,
			"chats_count": s.Chats,
		})
	}
}

// FeedHandler serves GET /feed/:chatID?token=...
func FeedHandler(feeds FeedRenderer, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		chatID, err := strconv.ParseInt(c.Param("chatID"), 10, 64)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
			return
		}
		doc, err := feeds.RenderFeed(c.Request.Context(), chatID, c.Query("token"))
		writeFeed(c, doc, err, log.WithField("chat_id", chatID))
	}
}

// TokenFeedHandler serves GET /rss?token=..., where the token alone selects the chat.
func TokenFeedHandler(feeds FeedRenderer, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := feeds.RenderFeedByToken(c.Request.Context(), c.Query("token"))
		writeFeed(c, doc, err, log)
	}
}

func writeFeed(c *gin.Context, doc []byte, err error, log logrus.FieldLogger) {
	switch {
	case err == nil:
		c.Data(http.StatusOK, rssContentType, doc)
	case errors.Is(err, feed.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: invalid token"})
	case errors.Is(err, feed.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to answer.
		c.Status(499)
	default:
		log.WithError(err).Error("Failed to render feed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
