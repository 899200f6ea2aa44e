package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/quintans/faults"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

type accountRow struct {
	mu  sync.Mutex
	acc entity.Account
}

// AccountRepository keeps accounts in memory with one lock per account.
// The map lock only guards membership, so transfers over disjoint accounts
// never wait on each other.
type AccountRepository struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*accountRow
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		rows: map[uuid.UUID]*accountRow{},
	}
}

func (r *AccountRepository) Create(_ context.Context, acc entity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[acc.ID]; ok {
		return faults.Errorf("account %s: %w", acc.ID, domain.ErrAccountExists)
	}
	acc.Version = 0
	r.rows[acc.ID] = &accountRow{acc: acc}
	return nil
}

func (r *AccountRepository) row(id uuid.UUID) (*accountRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, faults.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	return row, nil
}

func (r *AccountRepository) Get(_ context.Context, id uuid.UUID) (entity.Account, error) {
	row, err := r.row(id)
	if err != nil {
		return entity.Account{}, err
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.acc, nil
}

// List returns a snapshot taken while holding every row lock, so no
// half-applied transfer is ever visible in it.
func (r *AccountRepository) List(_ context.Context) ([]entity.Account, error) {
	r.mu.RLock()
	rows := make([]*accountRow, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	slices.SortFunc(rows, func(a, b *accountRow) int {
		return entity.CompareIDs(a.acc.ID, b.acc.ID)
	})
	for _, row := range rows {
		row.mu.Lock()
	}
	accs := make([]entity.Account, 0, len(rows))
	for _, row := range rows {
		accs = append(accs, row.acc)
	}
	for _, row := range rows {
		row.mu.Unlock()
	}

	slices.SortFunc(accs, func(a, b entity.Account) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return entity.CompareIDs(a.ID, b.ID)
	})
	return accs, nil
}

func (r *AccountRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion, balance int64) (int64, error) {
	if err := r.Apply(ctx, domain.BalanceUpdate{ID: id, ExpectedVersion: expectedVersion, Balance: balance}); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (r *AccountRepository) Apply(_ context.Context, updates ...domain.BalanceUpdate) error {
	updates = slices.Clone(updates)
	slices.SortFunc(updates, func(a, b domain.BalanceUpdate) int {
		return entity.CompareIDs(a.ID, b.ID)
	})

	rows := make([]*accountRow, len(updates))
	for i, u := range updates {
		if i > 0 && updates[i-1].ID == u.ID {
			return faults.Errorf("account %s updated twice in the same apply", u.ID)
		}
		if u.Balance < 0 {
			return faults.Errorf("account %s: %w", u.ID, domain.ErrNegativeBalance)
		}
		row, err := r.row(u.ID)
		if err != nil {
			return err
		}
		rows[i] = row
	}

	// ascending id order, same as every other multi-row writer
	for _, row := range rows {
		row.mu.Lock()
		defer row.mu.Unlock()
	}
	for i, u := range updates {
		if rows[i].acc.Version != u.ExpectedVersion {
			return faults.Errorf("account %s at version %d, expected %d: %w", u.ID, rows[i].acc.Version, u.ExpectedVersion, domain.ErrVersionConflict)
		}
	}
	for i, u := range updates {
		rows[i].acc.Balance = u.Balance
		rows[i].acc.Version++
	}
	return nil
}

// WithTx has nothing to roll back: Apply is already all-or-nothing and a
// reservation held in memory cannot be taken away from its owner.
func WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
