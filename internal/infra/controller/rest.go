package controller

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain"
	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
	"github.com/sam-aamir/Account-Transfer-System/shared/utils"
)

const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotentReplay = "X-Idempotent-Replay"
	retryAfterSeconds      = "1"
)

type RestController struct {
	logger     logrus.FieldLogger
	accService domain.AccountService
	txService  domain.TransferService
}

func NewRestController(logger logrus.FieldLogger, accountService domain.AccountService, txService domain.TransferService) RestController {
	return RestController{
		logger:     logger,
		accService: accountService,
		txService:  txService,
	}
}

func (ctl RestController) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "ready to serve")
}

func (ctl RestController) Create(c echo.Context) error {
	cmd := domain.CreateAccountCommand{}
	if err := c.Bind(&cmd); err != nil {
		return err
	}
	ctx := utils.LogToCtx(c.Request().Context(), ctl.logger)
	acc, err := ctl.accService.Create(ctx, cmd)
	ok, err := ctl.resolveError(c, err)
	if ok || err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, acc)
}

func (ctl RestController) List(c echo.Context) error {
	ctx := utils.LogToCtx(c.Request().Context(), ctl.logger)
	accs, err := ctl.accService.List(ctx)
	ok, err := ctl.resolveError(c, err)
	if ok || err != nil {
		return err
	}
	return c.JSON(http.StatusOK, accs)
}

func (ctl RestController) Account(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}
	ctx := utils.LogToCtx(c.Request().Context(), ctl.logger)
	acc, err := ctl.accService.Get(ctx, id)
	ok, err := ctl.resolveError(c, err)
	if ok || err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acc)
}

// Transfer takes the idempotency key from the header, falling back to the body.
func (ctl RestController) Transfer(c echo.Context) error {
	cmd := entity.TransferCommand{}
	if err := c.Bind(&cmd); err != nil {
		return err
	}
	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	if key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey)); key != "" {
		cmd.IdempotencyKey = key
	}
	ctx := utils.LogToCtx(c.Request().Context(), ctl.logger)
	rec, err := ctl.txService.Transfer(ctx, cmd)
	ok, err := ctl.resolveError(c, err)
	if ok || err != nil {
		return err
	}
	if rec.Replayed {
		c.Response().Header().Set(HeaderIdempotentReplay, "true")
	}
	if rec.Status == entity.REJECTED {
		return c.JSON(http.StatusConflict, rec)
	}
	return c.JSON(http.StatusOK, rec)
}

func (ctl RestController) TransferRecord(c echo.Context) error {
	ctx := utils.LogToCtx(c.Request().Context(), ctl.logger)
	rec, err := ctl.txService.Get(ctx, c.Param("key"))
	ok, err := ctl.resolveError(c, err)
	if ok || err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (ctl RestController) resolveError(c echo.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entity.ErrInvalidTransfer), errors.Is(err, entity.ErrInvalidAccount):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBusy):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAccountExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		ctl.logger.WithError(err).Errorf("%s %s failed: %+v", c.Request().Method, c.Path(), err)
		return true, c.JSON(status, errorResponse{Error: http.StatusText(status)})
	}
	return true, c.JSON(status, errorResponse{Error: err.Error()})
}
