package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/quintans/faults"
)

type TransferStatus string

const (
	PENDING  TransferStatus = "PENDING"
	APPLIED  TransferStatus = "APPLIED"
	REJECTED TransferStatus = "REJECTED"
)

type RejectReason string

const INSUFFICIENT_FUNDS RejectReason = "INSUFFICIENT_FUNDS"

const MaxIdempotencyKeyLen = 128

var ErrInvalidTransfer = errors.New("invalid transfer")

type TransferCommand struct {
	From           uuid.UUID `json:"from"`
	To             uuid.UUID `json:"to"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

func ValidateIdempotencyKey(key string) error {
	switch {
	case key == "":
		return faults.Errorf("missing idempotency key: %w", ErrInvalidTransfer)
	case len(key) > MaxIdempotencyKeyLen:
		return faults.Errorf("idempotency key longer than %d bytes: %w", MaxIdempotencyKeyLen, ErrInvalidTransfer)
	case !utf8.ValidString(key) || strings.ContainsRune(key, 0):
		return faults.Errorf("idempotency key must be valid UTF-8 without NUL: %w", ErrInvalidTransfer)
	}
	return nil
}

func (c TransferCommand) Validate() error {
	if err := ValidateIdempotencyKey(c.IdempotencyKey); err != nil {
		return err
	}
	switch {
	case c.From == uuid.Nil || c.To == uuid.Nil:
		return faults.Errorf("missing account id: %w", ErrInvalidTransfer)
	case c.From == c.To:
		return faults.Errorf("source and destination are the same account %s: %w", c.From, ErrInvalidTransfer)
	case c.Amount <= 0:
		return faults.Errorf("amount must be positive, got %d: %w", c.Amount, ErrInvalidTransfer)
	}
	return nil
}

// Ordered returns both account ids, lowest first.
// Every reader and writer touching a pair of accounts goes through this order.
func (c TransferCommand) Ordered() (uuid.UUID, uuid.UUID) {
	if CompareIDs(c.From, c.To) <= 0 {
		return c.From, c.To
	}
	return c.To, c.From
}

func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

type TransferRecord struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	Status         TransferStatus `json:"status"`
	Reason         RejectReason   `json:"reason,omitempty"`
	From           uuid.UUID      `json:"from"`
	To             uuid.UUID      `json:"to"`
	Amount         int64          `json:"amount"`
	FromBalance    int64          `json:"fromBalance"`
	ToBalance      int64          `json:"toBalance"`
	AppliedAt      time.Time      `json:"appliedAt,omitempty"`
	// Token identifies the attempt holding a PENDING reservation.
	Token string `json:"-"`
	// Replayed is set when the outcome was recorded by an earlier request.
	Replayed bool `json:"-"`
}

// MarshalJSON always writes both balances of an applied record, even when
// zero, and leaves them out of every other status.
func (r TransferRecord) MarshalJSON() ([]byte, error) {
	type record TransferRecord
	if r.Status == APPLIED {
		return json.Marshal(record(r))
	}
	return json.Marshal(struct {
		record
		FromBalance *int64 `json:"fromBalance,omitempty"`
		ToBalance   *int64 `json:"toBalance,omitempty"`
	}{record: record(r)})
}

func NewReservation(cmd TransferCommand) TransferRecord {
	return TransferRecord{
		IdempotencyKey: cmd.IdempotencyKey,
		Status:         PENDING,
		From:           cmd.From,
		To:             cmd.To,
		Amount:         cmd.Amount,
		Token:          uuid.NewString(),
	}
}

func (r TransferRecord) IsTerminal() bool {
	return r.Status == APPLIED || r.Status == REJECTED
}

// Matches reports whether the record was produced for the same payload.
func (r TransferRecord) Matches(cmd TransferCommand) bool {
	return r.From == cmd.From && r.To == cmd.To && r.Amount == cmd.Amount
}

func (r TransferRecord) Applied(fromBalance, toBalance int64, at time.Time) TransferRecord {
	r.Status = APPLIED
	r.Reason = ""
	r.FromBalance = fromBalance
	r.ToBalance = toBalance
	r.AppliedAt = at.UTC()
	return r
}

func (r TransferRecord) Rejected(reason RejectReason, at time.Time) TransferRecord {
	r.Status = REJECTED
	r.Reason = reason
	r.FromBalance = 0
	r.ToBalance = 0
	r.AppliedAt = at.UTC()
	return r
}
