package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw webhook
// body, keyed with the shared webhook secret.
const SignatureHeader = "X-Nmi-Signature"

// VerifySignature checks the webhook body against its claimed signature.
func VerifySignature(secret []byte, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// WebhookEvent is the subset of gateway notification fields the adapter
// reconciles against the ledger.
type WebhookEvent struct {
	EventType     string
	TransactionID string
	Condition     string
	Amount        float64
}

// ParseWebhook decodes the form-encoded notification body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return WebhookEvent{}, err
	}
	amount, _ := strconv.ParseFloat(vals.Get("amount"), 64)
	return WebhookEvent{
		EventType:     vals.Get("event_type"),
		TransactionID: vals.Get("transaction_id"),
		Condition:     vals.Get("condition"),
		Amount:        amount,
	}, nil
}

// HandleWebhook reconciles a gateway notification against stored jobs.
// Reconciliation failures are logged, never surfaced: the gateway retries
// on non-2xx responses and a permanently failing event would retry forever.
func (a *Adapter) HandleWebhook(ctx context.Context, secret []byte, body []byte, signature string) {
	if !VerifySignature(secret, body, signature) {
		a.logger.Warn("webhook signature mismatch, dropping event")
		return
	}

	ev, err := ParseWebhook(body)
	if err != nil {
		a.logger.Warn("webhook body unparseable, dropping event", zap.Error(err))
		return
	}
	if ev.TransactionID == "" {
		a.logger.Debug("webhook without transaction id, ignoring",
			zap.String("event_type", ev.EventType),
		)
		return
	}

	jobs, err := a.repo.List(ctx)
	if err != nil {
		a.logger.Error("webhook reconcile: list jobs", zap.Error(err))
		return
	}
	var match *ledger.Job
	for _, j := range jobs {
		if j.Transaction != nil && j.Transaction.ExternalID == ev.TransactionID {
			match = j
			break
		}
	}
	if match == nil {
		a.logger.Info("webhook for unknown transaction, ignoring",
			zap.String("transaction_id", ev.TransactionID),
			zap.String("event_type", ev.EventType),
		)
		return
	}

	a.reconcile(ctx, match, ev)
}

// reconcile maps a verified notification onto the job's payment state.
// Settlements capture, gateway-side refunds record a refund; anything else
// is informational.
func (a *Adapter) reconcile(ctx context.Context, j *ledger.Job, ev WebhookEvent) {
	if !strings.HasSuffix(ev.EventType, ".success") {
		a.logger.Warn("gateway reported unsuccessful transaction event",
			zap.String("job_id", j.ID.String()),
			zap.String("event_type", ev.EventType),
			zap.String("condition", ev.Condition),
		)
		return
	}

	switch {
	case strings.Contains(ev.EventType, "settlement") || strings.Contains(ev.EventType, "capture"):
		updated, err := a.repo.MarkCaptured(ctx, j.ID, ev.TransactionID)
		if err != nil {
			a.logger.Error("webhook reconcile: mark captured",
				zap.String("job_id", j.ID.String()),
				zap.Error(err),
			)
			return
		}
		a.events.JobUpdated(updated)
		a.logger.Info("webhook settled transaction",
			zap.String("job_id", j.ID.String()),
			zap.String("transaction_id", ev.TransactionID),
		)

	case strings.Contains(ev.EventType, "refund"):
		if j.Refund != nil {
			return
		}
		amount := ev.Amount
		if amount == 0 {
			amount = j.Transaction.Amount
		}
		updated, err := a.repo.RecordRefund(ctx, j.ID, ledger.Refund{
			Amount:    amount,
			Reason:    ReasonGatewayRefund,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			a.logger.Error("webhook reconcile: record refund",
				zap.String("job_id", j.ID.String()),
				zap.Error(err),
			)
			return
		}
		a.events.JobUpdated(updated)
		a.logger.Info("webhook recorded gateway refund",
			zap.String("job_id", j.ID.String()),
			zap.Float64("amount", amount),
		)

	default:
		a.logger.Info("webhook reconciled, no state change",
			zap.String("job_id", j.ID.String()),
			zap.String("event_type", ev.EventType),
			zap.String("condition", ev.Condition),
		)
	}
}
