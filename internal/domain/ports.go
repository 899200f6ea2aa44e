package domain

import (
	"context"

	"github.com/google/uuid"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

type AccountService interface {
	Create(ctx context.Context, cmd CreateAccountCommand) (entity.Account, error)
	Get(ctx context.Context, id uuid.UUID) (entity.Account, error)
	List(ctx context.Context) ([]entity.Account, error)
}

type CreateAccountCommand struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

type TransferService interface {
	Transfer(ctx context.Context, cmd entity.TransferCommand) (entity.TransferRecord, error)
	Get(ctx context.Context, idempotencyKey string) (entity.TransferRecord, error)
}

// BalanceUpdate is a conditional write: it only applies if the stored
// version still equals ExpectedVersion.
type BalanceUpdate struct {
	ID              uuid.UUID
	ExpectedVersion int64
	Balance         int64
}

type AccountRepository interface {
	Create(ctx context.Context, acc entity.Account) error
	Get(ctx context.Context, id uuid.UUID) (entity.Account, error)
	List(ctx context.Context) ([]entity.Account, error)
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion, balance int64) (int64, error)
	// Apply writes all updates or none of them.
	Apply(ctx context.Context, updates ...BalanceUpdate) error
}

type TransferRepository interface {
	Get(ctx context.Context, idempotencyKey string) (entity.TransferRecord, error)
	// Reserve stores a PENDING record only if the key is free.
	Reserve(ctx context.Context, rec entity.TransferRecord) error
	// Resolve replaces the caller's own reservation with a terminal record.
	Resolve(ctx context.Context, rec entity.TransferRecord) error
	Release(ctx context.Context, idempotencyKey, token string) error
}

type TransferNotifier interface {
	Notify(ctx context.Context, rec entity.TransferRecord) error
}
