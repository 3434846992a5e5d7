package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medtrack/internal/domain"
	"medtrack/internal/repo"
)

// Registry manages the stored push subscriptions. Endpoints are the natural
// identity: re-subscribing the same endpoint refreshes its keys instead of
// duplicating the row.
type Registry struct {
	Repo   repo.Repo
	Logger *zap.SugaredLogger
}

func NewRegistry(r repo.Repo, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{Repo: r, Logger: logger}
}

// Subscribe registers (or refreshes) a push subscription and returns the
// stored row.
func (g *Registry) Subscribe(ctx context.Context, endpoint, p256dh, auth string) (domain.Subscription, error) {
	if endpoint == "" {
		return domain.Subscription{}, errors.New("subscription endpoint required")
	}
	if p256dh == "" || auth == "" {
		return domain.Subscription{}, errors.New("subscription keys required")
	}
	sub := domain.Subscription{
		ID:        uuid.New().String(),
		Endpoint:  endpoint,
		P256dhKey: p256dh,
		AuthKey:   auth,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := g.Repo.UpsertSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, errors.Wrap(err, "store subscription")
	}
	stored, err := g.Repo.GetSubscriptionByEndpoint(ctx, endpoint)
	if err != nil {
		return sub, nil
	}
	return stored, nil
}

// ListActive returns all registered subscriptions.
func (g *Registry) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	return g.Repo.ListSubscriptions(ctx)
}

// Invalidate removes a subscription the push service reported gone. Missing
// rows are fine; invalidation is idempotent.
func (g *Registry) Invalidate(ctx context.Context, id string) error {
	err := g.Repo.DeleteSubscription(ctx, id)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "delete subscription")
	}
	g.Logger.Infow("subscription invalidated", "subscription_id", id)
	return nil
}
