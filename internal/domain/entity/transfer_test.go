package entity

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	require.NoError(t, TransferCommand{From: a, To: b, Amount: 1, IdempotencyKey: "k"}.Validate())

	bad := []TransferCommand{
		{From: a, To: b, Amount: 1},
		{From: a, To: b, Amount: 1, IdempotencyKey: strings.Repeat("x", MaxIdempotencyKeyLen+1)},
		{From: a, To: a, Amount: 1, IdempotencyKey: "k"},
		{From: a, To: b, Amount: 0, IdempotencyKey: "k"},
		{From: a, To: uuid.Nil, Amount: 1, IdempotencyKey: "k"},
		{From: a, To: b, Amount: 1, IdempotencyKey: "\xff\xfe"},
		{From: a, To: b, Amount: 1, IdempotencyKey: "a\x00b"},
	}
	for _, c := range bad {
		require.ErrorIs(t, c.Validate(), ErrInvalidTransfer)
	}
}

func TestOrdered(t *testing.T) {
	lo := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	hi := uuid.MustParse("ffffffff-0000-0000-0000-000000000000")

	first, second := TransferCommand{From: hi, To: lo}.Ordered()
	require.Equal(t, lo, first)
	require.Equal(t, hi, second)

	first, second = TransferCommand{From: lo, To: hi}.Ordered()
	require.Equal(t, lo, first)
	require.Equal(t, hi, second)
}

func TestRecordLifecycle(t *testing.T) {
	cmd := TransferCommand{From: uuid.New(), To: uuid.New(), Amount: 10, IdempotencyKey: "k"}
	res := NewReservation(cmd)
	require.Equal(t, PENDING, res.Status)
	require.NotEmpty(t, res.Token)
	require.False(t, res.IsTerminal())
	require.True(t, res.Matches(cmd))

	cmd.Amount = 11
	require.False(t, res.Matches(cmd))

	applied := res.Applied(90, 10, time.Now())
	require.Equal(t, APPLIED, applied.Status)
	require.True(t, applied.IsTerminal())
	require.Equal(t, res.Token, applied.Token)

	rejected := res.Rejected(INSUFFICIENT_FUNDS, time.Now())
	require.Equal(t, REJECTED, rejected.Status)
	require.Equal(t, INSUFFICIENT_FUNDS, rejected.Reason)
	require.Zero(t, rejected.FromBalance)
}

func TestValidateIdempotencyKey(t *testing.T) {
	require.NoError(t, ValidateIdempotencyKey("café-42"))
	require.ErrorIs(t, ValidateIdempotencyKey("\xff\xfe"), ErrInvalidTransfer)
	require.ErrorIs(t, ValidateIdempotencyKey("a\x00b"), ErrInvalidTransfer)
}

func TestRecordJSONBalances(t *testing.T) {
	res := NewReservation(TransferCommand{From: uuid.New(), To: uuid.New(), Amount: 100, IdempotencyKey: "z1"})

	// draining the sender still reports its zero balance
	data, err := json.Marshal(res.Applied(0, 100, time.Now()))
	require.NoError(t, err)
	require.Contains(t, string(data), `"fromBalance":0`)
	require.Contains(t, string(data), `"toBalance":100`)
	require.NotContains(t, string(data), res.Token)

	data, err = json.Marshal(res.Rejected(INSUFFICIENT_FUNDS, time.Now()))
	require.NoError(t, err)
	require.NotContains(t, string(data), "fromBalance")
	require.NotContains(t, string(data), "toBalance")
	require.Contains(t, string(data), `"reason":"INSUFFICIENT_FUNDS"`)

	back := TransferRecord{}
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, REJECTED, back.Status)
	require.Equal(t, int64(100), back.Amount)
}
