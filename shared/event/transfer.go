package event

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
)

type Kind string

const (
	Event_TransferApplied  Kind = "TransferApplied"
	Event_TransferRejected Kind = "TransferRejected"
)

// TransferSettled is published once a transfer reaches a terminal outcome.
type TransferSettled struct {
	Kind           Kind      `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	From           uuid.UUID `json:"from"`
	To             uuid.UUID `json:"to"`
	Amount         int64     `json:"amount"`
	FromBalance    *int64    `json:"fromBalance,omitempty"`
	ToBalance      *int64    `json:"toBalance,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

func (e TransferSettled) GetKind() Kind {
	return e.Kind
}

// Outcome is the lower case outcome name, as used in subjects.
func (k Kind) Outcome() string {
	return strings.ToLower(strings.TrimPrefix(string(k), "Transfer"))
}

// NewTransferSettled carries both balances for applied transfers only.
func NewTransferSettled(rec entity.TransferRecord) TransferSettled {
	e := TransferSettled{
		Kind:           Event_TransferApplied,
		IdempotencyKey: rec.IdempotencyKey,
		From:           rec.From,
		To:             rec.To,
		Amount:         rec.Amount,
		Reason:         string(rec.Reason),
		At:             rec.AppliedAt,
	}
	if rec.Status == entity.REJECTED {
		e.Kind = Event_TransferRejected
		return e
	}
	from, to := rec.FromBalance, rec.ToBalance
	e.FromBalance = &from
	e.ToBalance = &to
	return e
}
