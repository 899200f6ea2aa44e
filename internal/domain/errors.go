package domain

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrNegativeBalance = errors.New("balance cannot be negative")

	ErrRecordNotFound = errors.New("transfer record not found")
	ErrRecordExists   = errors.New("transfer record already exists")

	// ErrBusy means the transfer could not be settled now, either because
	// of sustained contention or because another attempt holds the key.
	// Retrying with the same idempotency key is safe.
	ErrBusy = errors.New("transfer busy, retry later")
)
