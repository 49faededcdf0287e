package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/repo"
)

// UserCreateOptions for registering a voter.
type UserCreateOptions struct {
	ID            string
	WalletAddress *string
}

// RegisterUser creates a voter account starting at zero points and the
// lowest rank. Duplicate ids are rejected.
func (e Engine) RegisterUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := e.Repo.GetUser(ctx, id); err == nil {
		return domain.User{}, errors.New("user id already registered")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		ID:            id,
		Rank:          domain.RankCadet,
		WalletAddress: opts.WalletAddress,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.AppendDB(ctx, "user.registered", "user", u.ID, u.ID, events.EventPayload{
		"rank": u.Rank,
	}); err != nil {
		return domain.User{}, err
	}
	e.Log.Info("user registered", zap.String("user_id", u.ID))
	return u, nil
}
