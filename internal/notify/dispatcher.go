// Package notify delivers web-push notifications to registered subscriptions
// and keeps the subscription registry clean.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medtrack/internal/domain"
)

// Options configures the web-push dispatcher.
type Options struct {
	Subscriber      string // mailto: contact sent to the push service
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Dispatcher sends encrypted push payloads over the Web Push protocol.
type Dispatcher struct {
	opts   Options
	logger *zap.SugaredLogger
}

func NewDispatcher(opts Options, logger *zap.SugaredLogger) *Dispatcher {
	if opts.TTL == 0 {
		opts.TTL = 30
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{opts: opts, logger: logger}
}

// Configured reports whether VAPID keys are present. An unconfigured
// dispatcher refuses to send rather than erroring per subscription.
func (d *Dispatcher) Configured() bool {
	return d.opts.VAPIDPublicKey != "" && d.opts.VAPIDPrivateKey != ""
}

// Send delivers one payload to one subscription and classifies the result.
// 404 and 410 mean the push service dropped the subscription; the caller
// should remove it. Everything else that fails is transient.
func (d *Dispatcher) Send(ctx context.Context, sub domain.Subscription, payload domain.PushPayload) domain.DeliveryResult {
	if !d.Configured() {
		return domain.DeliveryResult{
			Outcome: domain.DeliveryTransientFailure,
			Err:     errors.New("vapid keys not configured"),
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{Outcome: domain.DeliveryPermanentFailure, Err: errors.Wrap(err, "encode push payload")}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	wopts := &webpush.Options{
		Subscriber:      d.opts.Subscriber,
		VAPIDPublicKey:  d.opts.VAPIDPublicKey,
		VAPIDPrivateKey: d.opts.VAPIDPrivateKey,
		TTL:             d.opts.TTL,
	}
	if d.opts.HTTPClient != nil {
		wopts.HTTPClient = d.opts.HTTPClient
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, wopts)
	if err != nil {
		return domain.DeliveryResult{Outcome: domain.DeliveryTransientFailure, Err: errors.Wrap(err, "send push")}
	}
	defer resp.Body.Close()

	res := domain.DeliveryResult{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Outcome = domain.DeliverySuccess
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		res.Outcome = domain.DeliveryPermanentFailure
		res.Err = errors.Errorf("subscription gone: push service returned %d", resp.StatusCode)
	default:
		res.Outcome = domain.DeliveryTransientFailure
		res.Err = errors.Errorf("push service returned %d", resp.StatusCode)
	}
	return res
}

// ReminderPayload builds the dose-reminder notification for a medication.
// The tag is stable per medication so a re-delivered reminder replaces the
// one already showing instead of stacking.
func ReminderPayload(med domain.MedicationSettings) domain.PushPayload {
	body := fmt.Sprintf("Time to take %s", med.Name)
	if med.Dosage != "" {
		body = fmt.Sprintf("Time to take %s (%s)", med.Name, med.Dosage)
	}
	return domain.PushPayload{
		Title:              "💊 Medication Reminder",
		Body:               body,
		Icon:               "/icon.png",
		Tag:                "med-reminder-" + med.MedicationID,
		RequireInteraction: true,
		Actions: []domain.PushAction{
			{Action: "taken", Title: "✓ Taken"},
			{Action: "snooze", Title: "⏰ Snooze 15min"},
		},
		Data: map[string]any{"medication_id": med.MedicationID},
	}
}

// LowStockPayload builds the refill alert for a medication.
func LowStockPayload(med domain.MedicationSettings, remaining int) domain.PushPayload {
	return domain.PushPayload{
		Title: "📦 Low Stock Alert",
		Body:  fmt.Sprintf("%s: %d doses left, time to refill", med.Name, remaining),
		Icon:  "/icon.png",
		Tag:   "med-stock-" + med.MedicationID,
		Data:  map[string]any{"medication_id": med.MedicationID},
	}
}

// TestPayload builds the payload for the test-notification endpoint.
func TestPayload() domain.PushPayload {
	return domain.PushPayload{
		Title: "🔔 Test Notification",
		Body:  "Push notifications are working",
		Icon:  "/icon.png",
		Tag:   "med-test",
	}
}
