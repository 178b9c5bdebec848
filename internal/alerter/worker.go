package alerter

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/openmon/alertflow/internal/telemetry"
)

// Worker is one delivery worker. It registers with the manager over the
// service, then executes jobs until its connection is closed or the context
// is cancelled.
type Worker struct {
	conn     *Conn
	executor *Executor
	log      *logrus.Entry
}

// NewWorker attaches a worker to the service.
func NewWorker(service *Service, executor *Executor, log *telemetry.Logger) (*Worker, error) {
	conn, err := service.Connect()
	if err != nil {
		return nil, err
	}
	return &Worker{
		conn:     conn,
		executor: executor,
		log:      log.WithField("worker", conn.ID()),
	}, nil
}

// Run registers with the manager and processes jobs until the connection is
// closed. Blocking call, run in a goroutine.
func (w *Worker) Run(ctx context.Context) {
	data, err := Marshal(Register{PID: os.Getpid()})
	if err != nil {
		w.log.WithError(err).Error("cannot serialize registration")
		return
	}
	if err := w.conn.Send(KindRegister, data); err != nil {
		w.log.WithError(err).Error("cannot register with manager")
		return
	}

	for {
		msg, ok := w.conn.Recv()
		if !ok {
			w.log.Debug("worker connection closed")
			return
		}

		result := w.executor.Execute(ctx, msg)
		if result.ErrCode != ResultOK {
			w.log.WithField("errmsg", result.ErrMsg).Debug("delivery attempt failed")
		}

		data, err := Marshal(result)
		if err != nil {
			w.log.WithError(err).Error("cannot serialize result")
			return
		}
		if err := w.conn.Send(KindResult, data); err != nil {
			w.log.WithError(err).Debug("cannot report result, connection closed")
			return
		}
	}
}
