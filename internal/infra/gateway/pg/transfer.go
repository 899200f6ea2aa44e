package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quintans/faults"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

const DefaultLease = 30 * time.Second

// TransferRepository stores idempotency records. A PENDING reservation older
// than the lease is considered abandoned and can be taken over.
type TransferRepository struct {
	DB
	lease time.Duration
}

func NewTransferRepository(db DB, lease time.Duration) TransferRepository {
	if lease <= 0 {
		lease = DefaultLease
	}
	return TransferRepository{DB: db, lease: lease}
}

func (r TransferRepository) Get(ctx context.Context, idempotencyKey string) (entity.TransferRecord, error) {
	rec := entity.TransferRecord{}
	var appliedAt *time.Time
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT idempotency_key, status, reason, from_account, to_account, amount, from_balance, to_balance, applied_at, token
		FROM transfers WHERE idempotency_key = $1`, idempotencyKey).
		Scan(&rec.IdempotencyKey, &rec.Status, &rec.Reason, &rec.From, &rec.To, &rec.Amount,
			&rec.FromBalance, &rec.ToBalance, &appliedAt, &rec.Token)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.TransferRecord{}, faults.Errorf("key '%s': %w", idempotencyKey, domain.ErrRecordNotFound)
	}
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}
	if appliedAt != nil {
		rec.AppliedAt = appliedAt.UTC()
	}
	return rec, nil
}

func (r TransferRepository) Reserve(ctx context.Context, rec entity.TransferRecord) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO transfers (idempotency_key, status, from_account, to_account, amount, token, reserved_at)
		VALUES ($1, 'PENDING', $2, $3, $4, $5, now())
		ON CONFLICT (idempotency_key) DO UPDATE
		SET from_account = EXCLUDED.from_account, to_account = EXCLUDED.to_account, amount = EXCLUDED.amount,
			token = EXCLUDED.token, reserved_at = EXCLUDED.reserved_at
		WHERE transfers.status = 'PENDING' AND transfers.reserved_at < now() - make_interval(secs => $6)`,
		rec.IdempotencyKey, rec.From, rec.To, rec.Amount, rec.Token, r.lease.Seconds())
	if err != nil {
		return faults.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf("key '%s': %w", rec.IdempotencyKey, domain.ErrRecordExists)
	}
	return nil
}

// Resolve only succeeds while the caller's token still holds the reservation.
// Inside a transaction a failure here rolls back the balance updates with it.
func (r TransferRepository) Resolve(ctx context.Context, rec entity.TransferRecord) error {
	if !rec.IsTerminal() {
		return faults.Errorf("resolving key '%s' with status %s", rec.IdempotencyKey, rec.Status)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE transfers SET status = $2, reason = $3, from_balance = $4, to_balance = $5, applied_at = $6
		WHERE idempotency_key = $1 AND token = $7 AND status = 'PENDING'`,
		rec.IdempotencyKey, rec.Status, rec.Reason, rec.FromBalance, rec.ToBalance, rec.AppliedAt, rec.Token)
	if err != nil {
		return faults.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Errorf("reservation for key '%s' not held: %w", rec.IdempotencyKey, domain.ErrRecordExists)
	}
	return nil
}

func (r TransferRepository) Release(ctx context.Context, idempotencyKey, token string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM transfers WHERE idempotency_key = $1 AND token = $2 AND status = 'PENDING'`,
		idempotencyKey, token)
	return faults.Wrap(err)
}
