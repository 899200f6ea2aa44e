package memory

import (
	"context"
	"sync"

	"github.com/quintans/faults"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

type TransferRepository struct {
	mu      sync.Mutex
	records map[string]entity.TransferRecord
}

func NewTransferRepository() *TransferRepository {
	return &TransferRepository{
		records: map[string]entity.TransferRecord{},
	}
}

func (r *TransferRepository) Get(_ context.Context, idempotencyKey string) (entity.TransferRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[idempotencyKey]
	if !ok {
		return entity.TransferRecord{}, faults.Errorf("key '%s': %w", idempotencyKey, domain.ErrRecordNotFound)
	}
	return rec, nil
}

func (r *TransferRepository) Reserve(_ context.Context, rec entity.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.IdempotencyKey]; ok {
		return faults.Errorf("key '%s': %w", rec.IdempotencyKey, domain.ErrRecordExists)
	}
	rec.Status = entity.PENDING
	r.records[rec.IdempotencyKey] = rec
	return nil
}

func (r *TransferRepository) Resolve(_ context.Context, rec entity.TransferRecord) error {
	if !rec.IsTerminal() {
		return faults.Errorf("resolving key '%s' with status %s", rec.IdempotencyKey, rec.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[rec.IdempotencyKey]
	if !ok || cur.Status != entity.PENDING || cur.Token != rec.Token {
		return faults.Errorf("reservation for key '%s' not held: %w", rec.IdempotencyKey, domain.ErrRecordExists)
	}
	r.records[rec.IdempotencyKey] = rec
	return nil
}

func (r *TransferRepository) Release(_ context.Context, idempotencyKey, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.records[idempotencyKey]
	if ok && cur.Status == entity.PENDING && cur.Token == token {
		delete(r.records, idempotencyKey)
	}
	return nil
}
