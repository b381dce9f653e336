// Package exchange implements message sending and consume-on-read
// polling over per-agent inboxes.
package exchange

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/crypto"
	"github.com/eldtechnologies/deaddrop/internal/metrics"
	"github.com/eldtechnologies/deaddrop/internal/models"
	"github.com/eldtechnologies/deaddrop/internal/ratelimit"
	"github.com/eldtechnologies/deaddrop/internal/store"
)

const (
	MaxRecipients  = 10
	MaxBodyLength  = 32768
	MaxReplyTo     = 1024
	MaxTake        = 10
	DefaultTake    = 1
	DefaultTTL     = 7 * 24 * time.Hour
	sendLimitScope = "send"
)

// Recipients resolves recipient ids to active agents.
type Recipients interface {
	ResolveActive(ctx context.Context, ids []string) error
}

// Config tunes an Exchange.
type Config struct {
	SendLimit  ratelimit.Limit
	MessageTTL time.Duration
}

// Exchange validates sends, enforces the per-sender quota and moves
// messages through the inbox store.
type Exchange struct {
	recipients Recipients
	inbox      store.InboxStore
	limiter    ratelimit.Limiter
	clock      clockwork.Clock
	logger     zerolog.Logger
	cfg        Config
}

// New creates an Exchange.
func New(recipients Recipients, inbox store.InboxStore, limiter ratelimit.Limiter, clk clockwork.Clock, logger zerolog.Logger, cfg Config) *Exchange {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = DefaultTTL
	}
	return &Exchange{
		recipients: recipients,
		inbox:      inbox,
		limiter:    limiter,
		clock:      clk,
		logger:     logger.With().Str("component", "exchange").Logger(),
		cfg:        cfg,
	}
}

// SendRequest is the caller-supplied part of a message. A nil or empty
// ReplyTo means absent.
type SendRequest struct {
	To      []string
	Body    string
	ReplyTo *string
}

// Send delivers one message to every recipient. Every check runs before
// anything is recorded, so a rejected send leaves inboxes and quota
// untouched.
func (x *Exchange) Send(ctx context.Context, from string, req SendRequest) (*models.Message, error) {
	if len(req.To) < 1 || len(req.To) > MaxRecipients {
		return nil, apperr.Validation("to must contain 1-%d recipients", MaxRecipients)
	}
	seen := make(map[string]struct{}, len(req.To))
	for _, id := range req.To {
		if _, dup := seen[id]; dup {
			return nil, apperr.Validation("duplicate recipients are not allowed")
		}
		seen[id] = struct{}{}
	}
	if _, self := seen[from]; self {
		return nil, apperr.Forbidden("cannot send a message to yourself")
	}

	body := strings.TrimSpace(req.Body)
	if n := utf8.RuneCountInString(body); n < 1 || n > MaxBodyLength {
		return nil, apperr.Validation("body must be 1-%d characters", MaxBodyLength)
	}
	var replyTo string
	if req.ReplyTo != nil {
		replyTo = *req.ReplyTo
		if utf8.RuneCountInString(replyTo) > MaxReplyTo {
			return nil, apperr.Validation("reply_to must be at most %d characters", MaxReplyTo)
		}
	}

	if err := x.recipients.ResolveActive(ctx, req.To); err != nil {
		return nil, err
	}

	key := sendLimitScope + ":" + from
	decision, err := x.limiter.Reserve(ctx, key, x.cfg.SendLimit)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	if !decision.Allowed {
		metrics.RateLimitHits.WithLabelValues(sendLimitScope).Inc()
		x.logger.Warn().
			Str("agent_id", from).
			Dur("retry_after", decision.RetryAfter).
			Msg("send rate limit exceeded")
		return nil, apperr.RateLimited(decision.RetryAfter,
			"rate limit exceeded: max %d messages per %s", x.cfg.SendLimit.Requests, describeWindow(x.cfg.SendLimit.Window))
	}

	now := x.clock.Now().UTC().Truncate(time.Second)
	msg := &models.Message{
		ID:        crypto.NewMessageID(),
		From:      from,
		To:        append([]string(nil), req.To...),
		Body:      body,
		ReplyTo:   replyTo,
		CreatedAt: now,
		ExpiresAt: now.Add(x.cfg.MessageTTL),
	}

	if err := x.inbox.Enqueue(ctx, msg); err != nil {
		if cerr := x.limiter.Cancel(ctx, key, decision); cerr != nil {
			x.logger.Error().Err(cerr).Str("agent_id", from).Msg("failed to release send reservation")
		}
		return nil, apperr.Unavailable(err)
	}

	metrics.MessagesSent.Inc()
	metrics.DeliveriesEnqueued.Add(float64(len(msg.To)))
	x.logger.Debug().
		Str("message_id", msg.ID).
		Str("from", from).
		Int("recipients", len(msg.To)).
		Msg("message sent")

	return msg, nil
}

// Poll removes up to take of the oldest live deliveries from the
// agent's inbox and reports how many live deliveries remain.
func (x *Exchange) Poll(ctx context.Context, agentID string, take int) ([]models.Message, int, error) {
	if take < 1 || take > MaxTake {
		return nil, 0, apperr.Validation("take must be 1-%d", MaxTake)
	}

	res, err := x.inbox.Poll(ctx, agentID, take, x.clock.Now())
	if err != nil {
		return nil, 0, apperr.Unavailable(err)
	}

	metrics.DeliveriesPolled.Add(float64(len(res.Messages)))
	if res.Expired > 0 {
		metrics.DeliveriesExpired.Add(float64(res.Expired))
		x.logger.Debug().Str("agent_id", agentID).Int("expired", res.Expired).Msg("discarded expired deliveries")
	}

	messages := res.Messages
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, res.Remaining, nil
}

// Stats summarizes queued deliveries for the admin endpoint.
func (x *Exchange) Stats(ctx context.Context, top int) (models.InboxStats, error) {
	stats, err := x.inbox.Stats(ctx, x.clock.Now(), top)
	if err != nil {
		return stats, apperr.Unavailable(err)
	}
	return stats, nil
}

// RunSweeper discards expired deliveries every interval until ctx is
// done. Each hook runs after every sweep.
func (x *Exchange) RunSweeper(ctx context.Context, interval time.Duration, hooks ...func()) {
	ticker := x.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			x.Sweep(ctx)
			for _, hook := range hooks {
				hook()
			}
		}
	}
}

// Sweep runs one eager expiry pass.
func (x *Exchange) Sweep(ctx context.Context) int {
	removed, err := x.inbox.Sweep(ctx, x.clock.Now())
	if err != nil {
		x.logger.Error().Err(err).Msg("inbox sweep failed")
	}
	if removed > 0 {
		metrics.DeliveriesExpired.Add(float64(removed))
		x.logger.Info().Int("removed", removed).Msg("swept expired deliveries")
	}
	return removed
}

func describeWindow(d time.Duration) string {
	switch d {
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	}
	return d.String()
}
