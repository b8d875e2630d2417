// Package chat glues the chat transport to the metering core: it routes
// commands, runs the metering pipeline for plain messages, and keeps
// backend and store detail out of user-visible replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/guard"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/plans"
	"github.com/tokengate/tokengate/internal/reconcile"
)

// Generator is the generation backend contract the service depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, ceiling int64) (gateway.Result, error)
}

// Incoming is one normalized inbound message.
type Incoming struct {
	UserID    int64
	ChatID    int64
	FirstName string
	Text      string
	Caption   string
}

// Service handles inbound messages end to end.
type Service struct {
	cfg        *config.Config
	store      ledger.Store
	guard      *guard.Guard
	generator  Generator
	reconciler *reconcile.Reconciler
	messenger  Messenger
	plans      *plans.Registry
}

// NewService wires the chat service.
func NewService(
	cfg *config.Config,
	store ledger.Store,
	g *guard.Guard,
	generator Generator,
	reconciler *reconcile.Reconciler,
	messenger Messenger,
	registry *plans.Registry,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      store,
		guard:      g,
		generator:  generator,
		reconciler: reconciler,
		messenger:  messenger,
		plans:      registry,
	}
}

// HandleMessage routes one inbound message. Errors are already reported to
// the user by the time they are returned; the caller only logs them.
func (s *Service) HandleMessage(ctx context.Context, msg Incoming) error {
	text := strings.TrimSpace(joinText(msg.Text, msg.Caption))
	if text == "" {
		return s.reply(ctx, msg.ChatID, "Please send text for me to respond to.")
	}

	switch command(text) {
	case "/start", "/help":
		return s.handleStart(ctx, msg)
	case "/balance":
		return s.handleBalance(ctx, msg)
	case "/setplan":
		return s.handleSetPlan(ctx, msg, text)
	case "/stats":
		return s.handleStats(ctx, msg)
	default:
		return s.handleGenerate(ctx, msg, text)
	}
}

// handleStart greets the user and reports their plan after a lazy create.
func (s *Service) handleStart(ctx context.Context, msg Incoming) error {
	record, err := s.store.EnsureFresh(ctx, msg.UserID)
	if err != nil {
		return s.replyStoreFailure(ctx, msg.ChatID, err)
	}

	name := msg.FirstName
	if name == "" {
		name = "there"
	}
	return s.reply(ctx, msg.ChatID, fmt.Sprintf(
		"Hello, %s!\n\n"+
			"You are on the '%s' plan. Daily tokens remaining: %d.\n\n"+
			"How to use:\n"+
			"- Send any message and I'll reply using the model.\n"+
			"- Commands: /balance to check tokens, /help for this message.\n\n"+
			"Upgrade plans: contact an admin.",
		name, record.Plan, record.Remaining))
}

// handleBalance reports the user's plan and remaining tokens.
func (s *Service) handleBalance(ctx context.Context, msg Incoming) error {
	record, err := s.store.EnsureFresh(ctx, msg.UserID)
	if err != nil {
		return s.replyStoreFailure(ctx, msg.ChatID, err)
	}
	return s.reply(ctx, msg.ChatID, fmt.Sprintf("Plan: %s\nDaily tokens remaining: %d", record.Plan, record.Remaining))
}

// handleSetPlan processes the administrative plan change command:
// /setplan <user_id> <plan>.
func (s *Service) handleSetPlan(ctx context.Context, msg Incoming, text string) error {
	if !s.cfg.IsAdmin(msg.UserID) {
		return s.reply(ctx, msg.ChatID, "You are not authorized to use this command.")
	}

	args := strings.Fields(text)[1:]
	if len(args) != 2 {
		return s.reply(ctx, msg.ChatID, "Usage: /setplan <user_id> <plan>\nPlans: "+strings.Join(s.plans.Names(), ", "))
	}

	targetID, errParse := strconv.ParseInt(args[0], 10, 64)
	if errParse != nil {
		return s.reply(ctx, msg.ChatID, "Invalid user_id. It must be an integer user id.")
	}
	plan := strings.ToLower(args[1])

	if _, errSet := s.store.SetPlan(ctx, targetID, plan); errSet != nil {
		if errors.Is(errSet, plans.ErrUnknownPlan) {
			return s.reply(ctx, msg.ChatID, "Unknown plan. Available plans: "+strings.Join(s.plans.Names(), ", "))
		}
		return s.replyStoreFailure(ctx, msg.ChatID, errSet)
	}

	s.notifyPlanChange(targetID, plan)
	return s.reply(ctx, msg.ChatID, fmt.Sprintf("Set user %d to plan '%s'. Tokens reset to daily allowance.", targetID, plan))
}

// notifyPlanChange tells the target about their new plan. Best effort: the
// target may never have contacted the bot, so delivery failure is only
// logged and never surfaces to the admin.
func (s *Service) notifyPlanChange(targetID int64, plan string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		text := fmt.Sprintf("An admin set your plan to '%s'. Your daily tokens have been reset.", plan)
		if errSend := s.messenger.SendMessage(ctx, targetID, text); errSend != nil {
			log.WithError(errSend).WithField("user_id", targetID).Info("chat: could not notify user about plan change")
		}
	}()
}

// handleStats reports ledger-wide totals to admins.
func (s *Service) handleStats(ctx context.Context, msg Incoming) error {
	if !s.cfg.IsAdmin(msg.UserID) {
		return s.reply(ctx, msg.ChatID, "You are not authorized to use this command.")
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return s.replyStoreFailure(ctx, msg.ChatID, err)
	}
	return s.reply(ctx, msg.ChatID, fmt.Sprintf(
		"Registered users: %d\nTotal tokens remaining across users: %d",
		stats.Users, stats.TokensRemaining))
}

// handleGenerate runs the metering pipeline for a plain message.
func (s *Service) handleGenerate(ctx context.Context, msg Incoming, text string) error {
	auth, errAuthorize := s.guard.Authorize(ctx, msg.UserID, text)
	if errAuthorize != nil {
		switch {
		case errors.Is(errAuthorize, guard.ErrQuotaExhausted):
			return s.reply(ctx, msg.ChatID,
				"You have exhausted your daily tokens. Please wait until they reset tomorrow or contact an admin to upgrade your plan.")
		case errors.Is(errAuthorize, guard.ErrInsufficientHeadroom):
			return s.reply(ctx, msg.ChatID, fmt.Sprintf(
				"Not enough tokens to process your request. You need at least %d tokens for a response. Consider upgrading your plan.",
				s.cfg.MinResponseTokens))
		default:
			return s.replyStoreFailure(ctx, msg.ChatID, errAuthorize)
		}
	}

	requestID := uuid.NewString()
	log.WithFields(log.Fields{
		"user_id":    msg.UserID,
		"request_id": requestID,
		"input_cost": auth.InputCost,
		"ceiling":    auth.Ceiling,
	}).Info("chat: request authorized")

	if errAction := s.messenger.SendChatAction(ctx, msg.ChatID, "typing"); errAction != nil {
		log.WithError(errAction).Debug("chat: could not send typing action")
	}

	result, genErr := s.generator.Generate(ctx, text, auth.Ceiling)

	// Settlement runs exactly once regardless of the generation outcome:
	// the input cost is owed even when the backend timed out or errored.
	remaining, errSettle := s.reconciler.Settle(msg.UserID, requestID, auth.InputCost, result, genErr)
	if errSettle != nil {
		log.WithError(errSettle).WithField("user_id", msg.UserID).Error("chat: settlement failed")
	} else {
		log.WithFields(log.Fields{
			"user_id":    msg.UserID,
			"request_id": requestID,
			"remaining":  remaining,
		}).Info("chat: request settled")
	}

	if genErr != nil {
		log.WithError(genErr).WithField("user_id", msg.UserID).Error("chat: generation failed")
		_ = s.reply(ctx, msg.ChatID, "Sorry, an error occurred while contacting the language model. Please try again later.")
		return genErr
	}

	if strings.TrimSpace(result.Text) == "" {
		return s.reply(ctx, msg.ChatID, "Model returned no text.")
	}
	for _, chunk := range splitMessage(result.Text, maxChunkLen) {
		if errSend := s.messenger.SendMessage(ctx, msg.ChatID, chunk); errSend != nil {
			log.WithError(errSend).WithField("user_id", msg.UserID).Error("chat: failed to deliver response chunk")
			return errSend
		}
	}
	return nil
}

// replyStoreFailure logs a quota-store failure and rejects the request with
// a summarized reason. Requests fail closed: no trusted quota read means no
// backend call.
func (s *Service) replyStoreFailure(ctx context.Context, chatID int64, err error) error {
	log.WithError(err).Error("chat: quota store failure")
	_ = s.reply(ctx, chatID, "Service is temporarily unavailable. Please try again later.")
	return err
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) error {
	if errSend := s.messenger.SendMessage(ctx, chatID, text); errSend != nil {
		log.WithError(errSend).WithField("chat_id", chatID).Error("chat: failed to send reply")
		return errSend
	}
	return nil
}

// command extracts the leading slash-command, if any.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	// Commands may carry a bot mention suffix: /balance@SomeBot.
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	return strings.ToLower(cmd)
}

// joinText merges message text and attachment caption as one prompt.
func joinText(text, caption string) string {
	if caption == "" {
		return text
	}
	if text == "" {
		return caption
	}
	return text + "\n" + caption
}
