package bot

import (
	"strings"

	"github.com/go-telegram/bot/models"

	"linkfeed/internal/ingest"
)

const (
	welcomeText = "Hi! Add me to a group and I will collect every link posted there into an RSS feed.\n" +
		"Send /rssfeed to get the feed address, /rotatefeed to replace it."
	failureText = "Sorry, the feed is unavailable right now. Please try again later."
)

func feedText(feedURL string) string {
	return "Your RSS feed link, use it in your RSS reader:\n" + feedURL
}

func rotatedText(feedURL string) string {
	return "The previous feed link no longer works. New link:\n" + feedURL
}

// updateMessage returns whichever message the update carries.
func updateMessage(update *models.Update) *models.Message {
	switch {
	case update == nil:
		return nil
	case update.Message != nil:
		return update.Message
	case update.EditedMessage != nil:
		return update.EditedMessage
	case update.ChannelPost != nil:
		return update.ChannelPost
	case update.EditedChannelPost != nil:
		return update.EditedChannelPost
	}
	return nil
}

// isCommand reports whether update is the bot command /name, optionally
// addressed as /name@botname.
func isCommand(update *models.Update, name string) bool {
	if update == nil || update.Message == nil {
		return false
	}
	fields := strings.Fields(update.Message.Text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return cmd == "/"+name
}

func toIngestMessage(msg *models.Message) ingest.Message {
	in := ingest.Message{
		ChatID:    msg.Chat.ID,
		MessageID: msg.ID,
		Text:      msg.Text,
		Caption:   msg.Caption,
		ExtraURLs: textLinkURLs(msg),
	}
	if msg.From != nil {
		in.SharedBy = msg.From.FirstName
		if in.SharedBy == "" {
			in.SharedBy = msg.From.Username
		}
	} else if msg.SenderChat != nil {
		in.SharedBy = msg.SenderChat.Title
	}
	return in
}

// textLinkURLs collects URLs hidden behind formatted text, which never appear in the plain text.
func textLinkURLs(msg *models.Message) []string {
	var urls []string
	for _, entities := range [][]models.MessageEntity{msg.Entities, msg.CaptionEntities} {
		for _, e := range entities {
			if e.Type == models.MessageEntityTypeTextLink && e.URL != "" {
				urls = append(urls, e.URL)
			}
		}
	}
	return urls
}
