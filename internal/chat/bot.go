package chat

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// pollRetryDelay is the backoff after a failed getUpdates call.
const pollRetryDelay = 3 * time.Second

// Bot drives the long-poll loop and dispatches updates to the service.
type Bot struct {
	client  *TelegramClient
	service *Service
}

// NewBot wires the runner.
func NewBot(client *TelegramClient, service *Service) *Bot {
	return &Bot{client: client, service: service}
}

// Run long-polls for updates until ctx is cancelled. Each update is handled
// on its own goroutine so a slow generation does not stall the poll loop.
func (b *Bot) Run(ctx context.Context) error {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, errPoll := b.client.GetUpdates(ctx, offset)
		if errPoll != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(errPoll).Warn("chat: poll failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			incoming := Incoming{
				UserID:    msg.From.ID,
				ChatID:    msg.Chat.ID,
				FirstName: msg.From.FirstName,
				Text:      msg.Text,
				Caption:   msg.Caption,
			}
			go func() {
				if errHandle := b.service.HandleMessage(ctx, incoming); errHandle != nil {
					log.WithError(errHandle).WithField("user_id", incoming.UserID).Debug("chat: message handling ended with error")
				}
			}()
		}
	}
}
