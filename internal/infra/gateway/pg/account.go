package pg

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/quintans/faults"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

const accountColumns = "id, name, balance, version, created_at"

type AccountRepository struct {
	DB
}

func NewAccountRepository(db DB) AccountRepository {
	return AccountRepository{DB: db}
}

func (r AccountRepository) Create(ctx context.Context, acc entity.Account) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO accounts (id, name, balance, version, created_at) VALUES ($1, $2, $3, 0, $4)`,
		acc.ID, acc.Name, acc.Balance, acc.CreatedAt)
	if pgCode(err) == uniqueViolation {
		return faults.Errorf("account %s: %w", acc.ID, domain.ErrAccountExists)
	}
	return faults.Wrap(err)
}

func (r AccountRepository) Get(ctx context.Context, id uuid.UUID) (entity.Account, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Account{}, faults.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	if err != nil {
		return entity.Account{}, faults.Wrap(err)
	}
	return acc, nil
}

// List reads every account with a single statement, so it sees one snapshot.
func (r AccountRepository) List(ctx context.Context) ([]entity.Account, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name, id`)
	if err != nil {
		return nil, faults.Wrap(err)
	}
	defer rows.Close()

	accs := []entity.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, faults.Wrap(err)
		}
		accs = append(accs, acc)
	}
	return accs, faults.Wrap(rows.Err())
}

func (r AccountRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, expectedVersion, balance int64) (int64, error) {
	if err := r.Apply(ctx, domain.BalanceUpdate{ID: id, ExpectedVersion: expectedVersion, Balance: balance}); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// Apply issues one conditional UPDATE per account, in ascending id order, inside
// the context transaction or a new one.
func (r AccountRepository) Apply(ctx context.Context, updates ...domain.BalanceUpdate) error {
	updates = slices.Clone(updates)
	slices.SortFunc(updates, func(a, b domain.BalanceUpdate) int {
		return entity.CompareIDs(a.ID, b.ID)
	})
	for i, u := range updates {
		if i > 0 && updates[i-1].ID == u.ID {
			return faults.Errorf("account %s updated twice in the same apply", u.ID)
		}
		if u.Balance < 0 {
			return faults.Errorf("account %s: %w", u.ID, domain.ErrNegativeBalance)
		}
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		for _, u := range updates {
			if err := r.update(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r AccountRepository) update(ctx context.Context, u domain.BalanceUpdate) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE accounts SET balance = $2, version = version + 1 WHERE id = $1 AND version = $3`,
		u.ID, u.Balance, u.ExpectedVersion)
	if pgCode(err) == checkViolation {
		return faults.Errorf("account %s: %w", u.ID, domain.ErrNegativeBalance)
	}
	if err != nil {
		return faults.Wrap(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, u.ID).Scan(&exists)
	if err != nil {
		return faults.Wrap(err)
	}
	if !exists {
		return faults.Errorf("account %s: %w", u.ID, domain.ErrAccountNotFound)
	}
	return faults.Errorf("account %s, expected version %d: %w", u.ID, u.ExpectedVersion, domain.ErrVersionConflict)
}

func scanAccount(row pgx.Row) (entity.Account, error) {
	acc := entity.Account{}
	err := row.Scan(&acc.ID, &acc.Name, &acc.Balance, &acc.Version, &acc.CreatedAt)
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, err
}
