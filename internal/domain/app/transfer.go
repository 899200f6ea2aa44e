package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quintans/faults"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
	"github.com/sam-aamir/Account-Transfer-System/shared/utils"
)

// Tx runs fn as a single unit of work. Repositories called with the ctx
// handed to fn take part in it.
type Tx func(ctx context.Context, fn func(ctx context.Context) error) error

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 200 * time.Millisecond
)

type TransferOptions struct {
	// MaxAttempts bounds how many times a transfer is re-read and re-applied
	// after losing a version race.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TransferService struct {
	logger   logrus.FieldLogger
	accRepo  domain.AccountRepository
	recRepo  domain.TransferRepository
	notifier domain.TransferNotifier
	tx       Tx
	opts     TransferOptions
}

// NewTransferService builds the engine. notifier may be nil.
func NewTransferService(
	logger logrus.FieldLogger,
	accRepo domain.AccountRepository,
	recRepo domain.TransferRepository,
	tx Tx,
	notifier domain.TransferNotifier,
	opts *TransferOptions,
) TransferService {
	o := TransferOptions{}
	if opts != nil {
		o = *opts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(DefaultMaxBackoff, o.InitialBackoff)
	}
	return TransferService{
		logger:   logger,
		accRepo:  accRepo,
		recRepo:  recRepo,
		notifier: notifier,
		tx:       tx,
		opts:     o,
	}
}

func (s TransferService) Get(ctx context.Context, idempotencyKey string) (entity.TransferRecord, error) {
	rec, err := s.recRepo.Get(ctx, idempotencyKey)
	return rec, faults.Wrap(err)
}

// Transfer moves cmd.Amount from cmd.From to cmd.To at most once per idempotency key.
// Applied and rejected outcomes come back as a record; everything else is an error
// and leaves both balances untouched.
func (s TransferService) Transfer(ctx context.Context, cmd entity.TransferCommand) (entity.TransferRecord, error) {
	if err := entity.ValidateIdempotencyKey(cmd.IdempotencyKey); err != nil {
		return entity.TransferRecord{}, err
	}

	ctx, logger := utils.LogFieldsToCtx(ctx, s.logger, logrus.Fields{
		"method": "TransferService.Transfer",
		"key":    cmd.IdempotencyKey,
	})

	rec, ok, err := s.replay(ctx, logger, cmd)
	if ok || err != nil {
		return rec, err
	}

	if err := cmd.Validate(); err != nil {
		return entity.TransferRecord{}, err
	}

	res := entity.NewReservation(cmd)
	err = s.recRepo.Reserve(ctx, res)
	if errors.Is(err, domain.ErrRecordExists) {
		return s.lostRace(ctx, logger, cmd)
	}
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}

	logger.Infof("Transferring %d from %s to %s", cmd.Amount, cmd.From, cmd.To)
	rec, err = s.settle(ctx, logger, cmd, res)
	if err != nil {
		errRel := s.recRepo.Release(context.WithoutCancel(ctx), res.IdempotencyKey, res.Token)
		if errRel != nil {
			logger.WithError(errRel).Error("failed to release reservation")
		}
		if errors.Is(err, domain.ErrRecordExists) {
			return s.lostRace(ctx, logger, cmd)
		}
		return entity.TransferRecord{}, err
	}

	s.notify(ctx, logger, rec)
	return rec, nil
}

// replay returns the outcome already recorded for the key, if any.
func (s TransferService) replay(ctx context.Context, logger logrus.FieldLogger, cmd entity.TransferCommand) (entity.TransferRecord, bool, error) {
	rec, err := s.recRepo.Get(ctx, cmd.IdempotencyKey)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return entity.TransferRecord{}, false, nil
	}
	if err != nil {
		return entity.TransferRecord{}, false, faults.Wrap(err)
	}
	// a pending reservation may have an expired lease, Reserve decides
	if !rec.IsTerminal() {
		return entity.TransferRecord{}, false, nil
	}
	if !rec.Matches(cmd) {
		logger.Warnf("Key was used for %d from %s to %s, ignoring new payload", rec.Amount, rec.From, rec.To)
	}
	logger.Infof("Replaying %s outcome", rec.Status)
	rec.Replayed = true
	return rec, true, nil
}

func (s TransferService) lostRace(ctx context.Context, logger logrus.FieldLogger, cmd entity.TransferCommand) (entity.TransferRecord, error) {
	rec, ok, err := s.replay(ctx, logger, cmd)
	if ok || err != nil {
		return rec, err
	}
	return entity.TransferRecord{}, faults.Errorf("idempotency key '%s' is being processed: %w", cmd.IdempotencyKey, domain.ErrBusy)
}

func (s TransferService) settle(ctx context.Context, logger logrus.FieldLogger, cmd entity.TransferCommand, res entity.TransferRecord) (entity.TransferRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() (entity.TransferRecord, error) {
		attempts++
		if err := ctx.Err(); err != nil {
			return entity.TransferRecord{}, backoff.Permanent(faults.Wrap(err))
		}
		rec, err := s.attempt(ctx, logger, cmd, res)
		if errors.Is(err, domain.ErrVersionConflict) {
			return entity.TransferRecord{}, err
		}
		if err != nil {
			return entity.TransferRecord{}, backoff.Permanent(err)
		}
		return rec, nil
	}
	onRetry := func(err error, wait time.Duration) {
		logger.WithError(err).Debugf("Attempt %d lost a version race, retrying in %s", attempts, wait)
	}

	rec, err := backoff.RetryNotifyWithData(op, policy, onRetry)
	if errors.Is(err, domain.ErrVersionConflict) {
		logger.Warnf("Giving up after %d attempts", attempts)
		return entity.TransferRecord{}, faults.Errorf("%d attempts: %w", attempts, domain.ErrBusy)
	}
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}
	return rec, nil
}

func (s TransferService) attempt(ctx context.Context, logger logrus.FieldLogger, cmd entity.TransferCommand, res entity.TransferRecord) (entity.TransferRecord, error) {
	firstID, secondID := cmd.Ordered()
	first, err := s.accRepo.Get(ctx, firstID)
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}
	second, err := s.accRepo.Get(ctx, secondID)
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}
	sender, receiver := first, second
	if sender.ID != cmd.From {
		sender, receiver = second, first
	}

	fromBalance, err := sender.Debit(cmd.Amount)
	if errors.Is(err, entity.ErrInsufficientFunds) {
		rec := res.Rejected(entity.INSUFFICIENT_FUNDS, time.Now())
		if err := s.recRepo.Resolve(ctx, rec); err != nil {
			return entity.TransferRecord{}, faults.Wrap(err)
		}
		logger.WithError(err).Info("Transfer rejected")
		return rec, nil
	}
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}
	toBalance, err := receiver.Credit(cmd.Amount)
	if err != nil {
		return entity.TransferRecord{}, faults.Errorf("crediting %d to %s would overflow: %w", cmd.Amount, receiver.ID, entity.ErrInvalidTransfer)
	}

	rec := res.Applied(fromBalance, toBalance, time.Now())
	updates := []domain.BalanceUpdate{
		{ID: sender.ID, ExpectedVersion: sender.Version, Balance: fromBalance},
		{ID: receiver.ID, ExpectedVersion: receiver.Version, Balance: toBalance},
	}
	// once started, the dual update is not cancellable
	err = s.tx(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := s.accRepo.Apply(ctx, updates...); err != nil {
			return err
		}
		return s.recRepo.Resolve(ctx, rec)
	})
	if err != nil {
		return entity.TransferRecord{}, faults.Wrap(err)
	}

	logger.Infof("Transfer applied, balances %s=%d %s=%d", sender.ID, fromBalance, receiver.ID, toBalance)
	return rec, nil
}

func (s TransferService) notify(ctx context.Context, logger logrus.FieldLogger, rec entity.TransferRecord) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, rec); err != nil {
		logger.WithError(err).Warn("failed to publish transfer outcome")
	}
}
