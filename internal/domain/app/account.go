package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/quintans/faults"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
	"github.com/sam-aamir/Account-Transfer-System/shared/utils"
)

type AccountService struct {
	logger logrus.FieldLogger
	repo   domain.AccountRepository
}

func NewAccountService(logger logrus.FieldLogger, repo domain.AccountRepository) AccountService {
	return AccountService{
		logger: logger,
		repo:   repo,
	}
}

func (s AccountService) Create(ctx context.Context, cmd domain.CreateAccountCommand) (entity.Account, error) {
	id := uuid.New()
	acc, err := entity.CreateAccount(id, cmd.Name, cmd.Balance)
	if err != nil {
		return entity.Account{}, err
	}

	utils.LogFromCtx(ctx, s.logger).WithFields(logrus.Fields{
		"method": "AccountService.Create",
	}).Infof("Creating account with name: %s, id: %s, balance: %d", acc.Name, id, acc.Balance)

	if err := s.repo.Create(ctx, acc); err != nil {
		return entity.Account{}, faults.Wrap(err)
	}
	return acc, nil
}

func (s AccountService) Get(ctx context.Context, id uuid.UUID) (entity.Account, error) {
	acc, err := s.repo.Get(ctx, id)
	return acc, faults.Wrap(err)
}

func (s AccountService) List(ctx context.Context) ([]entity.Account, error) {
	accs, err := s.repo.List(ctx)
	if err != nil {
		return nil, faults.Wrap(err)
	}
	return accs, nil
}
