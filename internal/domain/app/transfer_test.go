package app

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quintans/faults"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
	"github.com/sam-aamir/Account-Transfer-System/internal/infra/gateway/memory"
)

type fixture struct {
	accRepo *memory.AccountRepository
	recRepo *memory.TransferRepository
	accUC   AccountService
	txUC    TransferService
}

func newFixture(t *testing.T, notifier domain.TransferNotifier) fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	accRepo := memory.NewAccountRepository()
	recRepo := memory.NewTransferRepository()
	return fixture{
		accRepo: accRepo,
		recRepo: recRepo,
		accUC:   NewAccountService(logger, accRepo),
		txUC: NewTransferService(logger, accRepo, recRepo, memory.WithTx, notifier, &TransferOptions{
			MaxAttempts:    50,
			InitialBackoff: time.Microsecond,
			MaxBackoff:     time.Millisecond,
		}),
	}
}

func (f fixture) create(t *testing.T, name string, balance int64) uuid.UUID {
	t.Helper()
	acc, err := f.accUC.Create(context.Background(), domain.CreateAccountCommand{Name: name, Balance: balance})
	require.NoError(t, err)
	return acc.ID
}

func (f fixture) account(t *testing.T, id uuid.UUID) entity.Account {
	t.Helper()
	acc, err := f.accUC.Get(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (f fixture) total(t *testing.T) int64 {
	t.Helper()
	accs, err := f.accUC.List(context.Background())
	require.NoError(t, err)
	var sum int64
	for _, a := range accs {
		require.GreaterOrEqual(t, a.Balance, int64(0))
		sum += a.Balance
	}
	return sum
}

func cmd(from, to uuid.UUID, amount int64, key string) entity.TransferCommand {
	return entity.TransferCommand{From: from, To: to, Amount: amount, IdempotencyKey: key}
}

func TestAliceAndBob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	alice := f.create(t, "Alice", 1000)
	bob := f.create(t, "Bob", 500)

	rec, err := f.txUC.Transfer(ctx, cmd(alice, bob, 150, "key1"))
	require.NoError(t, err)
	require.Equal(t, entity.APPLIED, rec.Status)
	require.Equal(t, int64(850), rec.FromBalance)
	require.Equal(t, int64(650), rec.ToBalance)
	require.False(t, rec.AppliedAt.IsZero())

	rej, err := f.txUC.Transfer(ctx, cmd(alice, bob, 900, "key2"))
	require.NoError(t, err)
	require.Equal(t, entity.REJECTED, rej.Status)
	require.Equal(t, entity.INSUFFICIENT_FUNDS, rej.Reason)
	require.Equal(t, int64(850), f.account(t, alice).Balance)
	require.Equal(t, int64(650), f.account(t, bob).Balance)

	again, err := f.txUC.Transfer(ctx, cmd(alice, bob, 150, "key1"))
	require.NoError(t, err)
	require.True(t, again.Replayed)
	again.Replayed = false
	require.Equal(t, rec, again)
	require.Equal(t, int64(850), f.account(t, alice).Balance)
	require.Equal(t, int64(650), f.account(t, bob).Balance)
}

func TestOppositeDirectionsConverge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	alice := f.create(t, "Alice", 850)
	bob := f.create(t, "Bob", 650)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.txUC.Transfer(ctx, cmd(alice, bob, 100, "k3"))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.txUC.Transfer(ctx, cmd(bob, alice, 50, "k4"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	require.Equal(t, int64(800), f.account(t, alice).Balance)
	require.Equal(t, int64(700), f.account(t, bob).Balance)
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	x := f.create(t, "X", 10)
	y := f.create(t, "Y", 0)

	before := []entity.Account{f.account(t, x), f.account(t, y)}
	rec, err := f.txUC.Transfer(ctx, cmd(x, y, 11, "too-much"))
	require.NoError(t, err)
	require.Equal(t, entity.REJECTED, rec.Status)
	require.Equal(t, before, []entity.Account{f.account(t, x), f.account(t, y)})

	// the rejection is bound to the key even after funds arrive
	_, err = f.accRepo.ConditionalUpdate(ctx, x, before[0].Version, 100)
	require.NoError(t, err)
	again, err := f.txUC.Transfer(ctx, cmd(x, y, 11, "too-much"))
	require.NoError(t, err)
	again.Replayed = false
	require.Equal(t, rec, again)
	require.Equal(t, int64(100), f.account(t, x).Balance)
}

func TestValidationRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	x := f.create(t, "X", 100)
	y := f.create(t, "Y", 100)

	cases := map[string]entity.TransferCommand{
		"same account": cmd(x, x, 10, "v1"),
		"zero amount":  cmd(x, y, 0, "v1"),
		"negative":     cmd(x, y, -5, "v1"),
		"nil id":       cmd(uuid.Nil, y, 5, "v1"),
		"missing key":  cmd(x, y, 5, ""),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.txUC.Transfer(ctx, c)
			require.ErrorIs(t, err, entity.ErrInvalidTransfer)
		})
	}

	_, err := f.txUC.Get(ctx, "v1")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	// the corrected request may reuse the key
	rec, err := f.txUC.Transfer(ctx, cmd(x, y, 10, "v1"))
	require.NoError(t, err)
	require.Equal(t, entity.APPLIED, rec.Status)
}

func TestUnknownAccountRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	x := f.create(t, "X", 100)
	ghost := uuid.New()

	_, err := f.txUC.Transfer(ctx, cmd(x, ghost, 10, "nf"))
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = f.txUC.Get(ctx, "nf")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
	require.Equal(t, int64(100), f.account(t, x).Balance)
	require.Equal(t, int64(0), f.account(t, x).Version)
}

func TestConcurrentWithdrawalsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	const (
		n      = 40
		amount = 7
		start  = 1000
	)
	x := f.create(t, "X", start)
	y := f.create(t, "Y", 0)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			rec, err := f.txUC.Transfer(ctx, cmd(x, y, amount, fmt.Sprintf("w-%d", i)))
			if assert.NoError(t, err) {
				assert.Equal(t, entity.APPLIED, rec.Status)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(start-n*amount), f.account(t, x).Balance)
	require.Equal(t, int64(n*amount), f.account(t, y).Balance)
	require.Equal(t, int64(n), f.account(t, x).Version)
}

func TestConservationUnderRandomLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = f.create(t, fmt.Sprintf("acc-%d", i), 100)
	}
	total := f.total(t)

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				from := ids[rnd.Intn(len(ids))]
				to := ids[rnd.Intn(len(ids))]
				if from == to {
					continue
				}
				_, err := f.txUC.Transfer(ctx, cmd(from, to, int64(rnd.Intn(60)+1), fmt.Sprintf("r-%d-%d", w, i)))
				if !assert.NoError(t, err) {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, total, f.total(t))
}

func TestSameKeyAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	x := f.create(t, "X", 1000)
	y := f.create(t, "Y", 0)

	const racers = 20
	var applied atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			rec, err := f.txUC.Transfer(ctx, cmd(x, y, 100, "dup"))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrBusy)
				return
			}
			if assert.Equal(t, entity.APPLIED, rec.Status) {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, applied.Load(), int32(1))
	require.Equal(t, int64(900), f.account(t, x).Balance)
	require.Equal(t, int64(100), f.account(t, y).Balance)
	require.Equal(t, int64(1), f.account(t, x).Version)
}

type conflictingRepo struct {
	*memory.AccountRepository
	applies atomic.Int32
}

func (r *conflictingRepo) Apply(context.Context, ...domain.BalanceUpdate) error {
	r.applies.Add(1)
	return faults.Wrap(domain.ErrVersionConflict)
}

func TestSustainedContentionIsBusy(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	accRepo := &conflictingRepo{AccountRepository: memory.NewAccountRepository()}
	recRepo := memory.NewTransferRepository()
	accUC := NewAccountService(logger, accRepo)
	txUC := NewTransferService(logger, accRepo, recRepo, memory.WithTx, nil, &TransferOptions{
		MaxAttempts:    5,
		InitialBackoff: time.Microsecond,
	})

	x, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "X", Balance: 10})
	require.NoError(t, err)
	y, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "Y", Balance: 10})
	require.NoError(t, err)

	_, err = txUC.Transfer(ctx, cmd(x.ID, y.ID, 5, "hot"))
	require.ErrorIs(t, err, domain.ErrBusy)
	require.Equal(t, int32(5), accRepo.applies.Load())

	// reservation released, the key can be resubmitted
	_, err = recRepo.Get(ctx, "hot")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestPendingKeyIsBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	x := f.create(t, "X", 10)
	y := f.create(t, "Y", 10)

	c := cmd(x, y, 5, "held")
	require.NoError(t, f.recRepo.Reserve(ctx, entity.NewReservation(c)))

	_, err := f.txUC.Transfer(ctx, c)
	require.ErrorIs(t, err, domain.ErrBusy)
	require.Equal(t, int64(10), f.account(t, x).Balance)
}

func TestCancelledBeforeUpdate(t *testing.T) {
	f := newFixture(t, nil)
	x := f.create(t, "X", 10)
	y := f.create(t, "Y", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.txUC.Transfer(ctx, cmd(x, y, 5, "cancelled"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int64(10), f.account(t, x).Balance)

	_, err = f.txUC.Get(context.Background(), "cancelled")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

type failingTx struct {
	calls int
}

func (f *failingTx) run(ctx context.Context, fn func(context.Context) error) error {
	f.calls++
	return faults.New("connection reset")
}

func TestStorageFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	accRepo := memory.NewAccountRepository()
	recRepo := memory.NewTransferRepository()
	accUC := NewAccountService(logger, accRepo)
	ftx := &failingTx{}
	txUC := NewTransferService(logger, accRepo, recRepo, ftx.run, nil, nil)

	x, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "X", Balance: 10})
	require.NoError(t, err)
	y, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "Y", Balance: 10})
	require.NoError(t, err)

	_, err = txUC.Transfer(ctx, cmd(x.ID, y.ID, 5, "io"))
	require.Error(t, err)
	require.Equal(t, 1, ftx.calls)

	// nothing bound to the key, a healthy engine can settle it
	healthy := NewTransferService(logger, accRepo, recRepo, memory.WithTx, nil, nil)
	rec, err := healthy.Transfer(ctx, cmd(x.ID, y.ID, 5, "io"))
	require.NoError(t, err)
	require.Equal(t, entity.APPLIED, rec.Status)
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []entity.TransferRecord
}

func (n *recordingNotifier) Notify(_ context.Context, rec entity.TransferRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return nil
}

func TestNotifiesTerminalOutcomesOnce(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	f := newFixture(t, n)
	x := f.create(t, "X", 10)
	y := f.create(t, "Y", 0)

	_, err := f.txUC.Transfer(ctx, cmd(x, y, 5, "n1"))
	require.NoError(t, err)
	_, err = f.txUC.Transfer(ctx, cmd(x, y, 50, "n2"))
	require.NoError(t, err)
	_, err = f.txUC.Transfer(ctx, cmd(x, y, 5, "n1"))
	require.NoError(t, err)

	require.Len(t, n.recs, 2)
	require.Equal(t, entity.APPLIED, n.recs[0].Status)
	require.Equal(t, entity.REJECTED, n.recs[1].Status)
}

func TestReplayWithDifferentPayloadWarns(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	accRepo := memory.NewAccountRepository()
	recRepo := memory.NewTransferRepository()
	accUC := NewAccountService(logger, accRepo)
	txUC := NewTransferService(logger, accRepo, recRepo, memory.WithTx, nil, nil)

	x, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "X", Balance: 10})
	require.NoError(t, err)
	y, err := accUC.Create(ctx, domain.CreateAccountCommand{Name: "Y", Balance: 10})
	require.NoError(t, err)

	first, err := txUC.Transfer(ctx, cmd(x.ID, y.ID, 5, "p"))
	require.NoError(t, err)
	second, err := txUC.Transfer(ctx, cmd(x.ID, y.ID, 6, "p"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Amount, second.Amount)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	require.True(t, warned)
}
