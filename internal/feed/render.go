package feed

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gorilla/feeds"

	"linkfeed/internal/domain"
)

const defaultImageType = "image/jpeg"

// Render builds the RSS 2.0 document for a chat. It reads no clock: the
// build date is the newest capture time, or the chat creation time for an
// empty feed, so identical input always renders identical bytes.
func Render(chat domain.Chat, links []domain.Link, baseURL string) ([]byte, error) {
	updated := chat.CreatedAt
	if len(links) > 0 {
		updated = links[0].CapturedAt
	}

	f := &feeds.Feed{
		Title:       fmt.Sprintf("Telegram chat %d links", chat.ID),
		Link:        &feeds.Link{Href: channelURL(baseURL, chat.ID)},
		Description: "Links shared in Telegram chat",
		Created:     chat.CreatedAt,
		Updated:     updated,
		Items:       make([]*feeds.Item, 0, len(links)),
	}

	for _, l := range links {
		item := &feeds.Item{
			Title:       l.DisplayTitle(),
			Link:        &feeds.Link{Href: l.URL},
			Description: itemDescription(l),
			Id:          fmt.Sprintf("%s#%d", l.URL, l.ID),
			Created:     l.CapturedAt,
		}
		if l.ImageURL != "" {
			item.Enclosure = &feeds.Enclosure{
				Url:    l.ImageURL,
				Length: "0",
				Type:   imageType(l.ImageURL),
			}
		}
		f.Items = append(f.Items, item)
	}

	doc, err := f.ToRss()
	if err != nil {
		return nil, fmt.Errorf("render rss: %w", err)
	}
	return []byte(doc), nil
}

func itemDescription(l domain.Link) string {
	var parts []string
	if l.SharedBy != "" {
		parts = append(parts, "Shared by "+l.SharedBy)
	}
	if l.Description != "" {
		parts = append(parts, l.Description)
	}
	return strings.Join(parts, " - ")
}

func imageType(imageURL string) string {
	u, err := url.Parse(imageURL)
	if err != nil {
		return defaultImageType
	}
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path))); strings.HasPrefix(t, "image/") {
		return t
	}
	return defaultImageType
}

func channelURL(baseURL string, chatID int64) string {
	return fmt.Sprintf("%s/feed/%d", strings.TrimRight(baseURL, "/"), chatID)
}

// FeedURL is the shareable address of a chat's feed.
func FeedURL(baseURL string, chatID int64, token string) string {
	return channelURL(baseURL, chatID) + "?token=" + url.QueryEscape(token)
}
