package entity

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quintans/faults"
)

var (
	ErrInvalidAccount    = errors.New("invalid account")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

type Account struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateAccount returns a new account at version 0.
func CreateAccount(id uuid.UUID, name string, balance int64) (Account, error) {
	name = strings.TrimSpace(name)
	if id == uuid.Nil {
		return Account{}, faults.Errorf("nil account id: %w", ErrInvalidAccount)
	}
	if name == "" {
		return Account{}, faults.Errorf("empty account name: %w", ErrInvalidAccount)
	}
	if balance < 0 {
		return Account{}, faults.Errorf("negative initial balance %d: %w", balance, ErrInvalidAccount)
	}
	return Account{
		ID:        id,
		Name:      name,
		Balance:   balance,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Debit returns the balance left after taking money out.
// The account itself is not changed.
func (a Account) Debit(money int64) (int64, error) {
	if a.Balance < money {
		return 0, faults.Errorf("account %s has %d, needs %d: %w", a.ID, a.Balance, money, ErrInsufficientFunds)
	}
	return a.Balance - money, nil
}

// Credit returns the balance after putting money in.
func (a Account) Credit(money int64) (int64, error) {
	if a.Balance > math.MaxInt64-money {
		return 0, faults.Errorf("account %s: %w", a.ID, ErrBalanceOverflow)
	}
	return a.Balance + money, nil
}
