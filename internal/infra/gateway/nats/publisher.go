package nats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/quintans/faults"
	"github.com/sirupsen/logrus"

	"github.com/sam-aamir/Account-Transfer-System/internal/domain/entity"
	"github.com/sam-aamir/Account-Transfer-System/shared/event"
)

// Publisher announces settled transfers on <subject>.applied and <subject>.rejected.
// Delivery is best effort: the outcome is already durable when it is published.
type Publisher struct {
	logger  logrus.FieldLogger
	conn    *nats.Conn
	subject string
}

func NewPublisher(logger logrus.FieldLogger, url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("account-transfer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
	)
	if err != nil {
		return nil, faults.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Publisher{
		logger:  logger,
		conn:    conn,
		subject: subject,
	}, nil
}

func (p *Publisher) Notify(_ context.Context, rec entity.TransferRecord) error {
	if !rec.IsTerminal() {
		return faults.Errorf("transfer '%s' is not settled", rec.IdempotencyKey)
	}
	e := event.NewTransferSettled(rec)
	data, err := json.Marshal(e)
	if err != nil {
		return faults.Wrap(err)
	}
	subject := p.subject + "." + e.GetKind().Outcome()
	if err := p.conn.Publish(subject, data); err != nil {
		return faults.Errorf("publishing to '%s': %w", subject, err)
	}
	return nil
}

// Close flushes pending messages before closing the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.WithError(err).Warn("draining NATS connection")
	}
}
