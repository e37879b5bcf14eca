// Package notify delivers human-readable ingestion summaries to Telegram,
// a webhook or the log. Notifications never feed back into decisions.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
)

// Kind identifies the kind of notification.
type Kind string

const (
	KindApplied         Kind = "applied"
	KindNeedsReview     Kind = "needs_review"
	KindExtractionError Kind = "extraction_error"
)

// Message is a single notification.
type Message struct {
	Kind      Kind           `json:"kind"`
	Text      string         `json:"text"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns the notifier selected by cfg.Provider.
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none", "log":
		return Nop{}, nil
	case "telegram":
		if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
			return nil, eris.New("notify: telegram provider requires telegram_token and telegram_chat_id")
		}
		return NewTelegram(cfg.TelegramToken, cfg.TelegramChatID), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, eris.New("notify: webhook provider requires webhook_url")
		}
		return NewWebhook(cfg.WebhookURL), nil
	default:
		return nil, eris.Errorf("notify: unknown provider %q", cfg.Provider)
	}
}

// Send delivers msg and logs any failure. It never returns an error.
func Send(ctx context.Context, n Notifier, msg Message) {
	if n == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := n.Notify(ctx, msg); err != nil {
		zap.L().Warn("notify: delivery failed",
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("notify: sent", zap.String("kind", string(msg.Kind)))
}

// Nop logs messages instead of delivering them.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(_ context.Context, msg Message) error {
	zap.L().Info("notify: "+string(msg.Kind), zap.String("text", msg.Text))
	return nil
}

// Applied summarizes an auto-applied document.
func Applied(number string, t model.DocumentType, action model.Action, by model.MatchedBy, recordID string) Message {
	verb := "updated"
	if action == model.ActionCreate {
		verb = "created"
	}
	return Message{
		Kind: KindApplied,
		Text: fmt.Sprintf("Shipment %s %s from %s", number, verb, t.Label()),
		Details: map[string]any{
			"record_id":     recordID,
			"document_type": string(t),
			"action":        string(action),
			"matched_by":    string(by),
		},
	}
}

// NeedsReview summarizes a document queued for manual resolution.
func NeedsReview(p *model.PendingDocument) Message {
	var ids []string
	if p.AttemptedBooking != "" {
		ids = append(ids, "booking "+p.AttemptedBooking)
	}
	if p.AttemptedPrimaryID != "" {
		ids = append(ids, "id "+p.AttemptedPrimaryID)
	}
	if n := len(p.AttemptedContainers); n > 0 {
		ids = append(ids, fmt.Sprintf("%d container(s)", n))
	}
	text := fmt.Sprintf("%s needs review: %s", p.DocumentType.Label(), p.Reason)
	if len(ids) > 0 {
		text += " (" + strings.Join(ids, ", ") + ")"
	}
	return Message{
		Kind: KindNeedsReview,
		Text: text,
		Details: map[string]any{
			"pending_id": p.ID,
			"expires_at": p.ExpiresAt,
			"source":     string(p.Source),
		},
	}
}

// ExtractionError reports a document no tier could read.
func ExtractionError(filename string, err error) Message {
	if filename == "" {
		filename = "document"
	}
	return Message{
		Kind:    KindExtractionError,
		Text:    fmt.Sprintf("Could not read %s: %v", filename, err),
		Details: map[string]any{"filename": filename},
	}
}
