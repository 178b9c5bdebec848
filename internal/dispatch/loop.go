package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openmon/alertflow/internal/alerter"
	"github.com/openmon/alertflow/internal/telemetry"
)

// statInterval paces the periodic counters record when the loop stays busy.
const statInterval = 5 * time.Second

// LoopConfig holds the dispatch loop settings.
type LoopConfig struct {
	// SenderFrequency is the store poll interval in seconds.
	SenderFrequency int
}

// Loop drives the manager: periodic store polls, opportunistic dispatch of
// ready alerts to idle workers, and single-message receives from the worker
// service. All scheduler state is touched only from Run's goroutine.
type Loop struct {
	manager *Manager
	pool    *Pool
	service *alerter.Service
	config  LoopConfig
	logger  *telemetry.Logger
	log     *logrus.Entry

	fatal func(args ...any)
}

// NewLoop wires a dispatch loop.
func NewLoop(manager *Manager, pool *Pool, service *alerter.Service, config LoopConfig, log *telemetry.Logger) *Loop {
	entry := log.WithField("component", "loop")
	return &Loop{
		manager: manager,
		pool:    pool,
		service: service,
		config:  config,
		logger:  log,
		log:     entry,
		fatal:   entry.Fatal,
	}
}

// Run executes the loop until the context is cancelled. Protocol violations
// (a result from an unknown client, more registrations than worker slots)
// terminate the process.
func (l *Loop) Run(ctx context.Context) {
	var (
		timeStat  = time.Now()
		timeIdle  time.Duration
		sentNum   int
		failedNum int
		timeDB    int64
	)

	l.log.Info("dispatch loop started")

	for ctx.Err() == nil {
		timeNow := time.Now()
		now := timeNow.Unix()

		if timeNow.Sub(timeStat) > statInterval {
			l.log.WithFields(logrus.Fields{
				"sent":    sentNum,
				"failed":  failedNum,
				"idle":    timeIdle.Seconds(),
				"elapsed": timeNow.Sub(timeStat).Seconds(),
			}).Info("dispatch statistics")

			timeStat = timeNow
			timeIdle = 0
			sentNum = 0
			failedNum = 0
		}

		if now-timeDB >= int64(l.config.SenderFrequency) {
			// Every poll cycle carries its own correlation id, so the
			// store reads, the flush and any errors of one cycle line up
			// in the logs.
			pollCtx := telemetry.WithCorrelationID(ctx, "")
			pollLog := l.logger.WithContext(pollCtx).WithField("component", "loop")

			if err := l.manager.QueueAlerts(pollCtx, now); err != nil {
				pollLog.WithError(err).Error("cannot queue alerts from store")
			}
			if err := l.manager.FlushUpdates(pollCtx); err != nil {
				pollLog.WithError(err).Error("cannot flush alert updates")
			}
			timeDB = time.Now().Unix()
		}

		for l.manager.CheckQueue(now) {
			slot := l.pool.PopFree()
			if slot == nil {
				break
			}
			if !l.manager.ProcessAlert(l.pool, slot, l.manager.PopAlert()) {
				l.pool.PushFree(slot)
			}
		}

		client, msg, immediate := l.service.Recv(time.Second)
		if !immediate {
			timeIdle += time.Since(timeNow)
		}

		if msg == nil {
			continue
		}

		switch msg.Kind {
		case alerter.KindRegister:
			if err := l.pool.Register(client, msg.Data); err != nil {
				if errors.Is(err, errSlotsExhausted) {
					l.fatal("worker registration failed: ", err)
					return
				}
				l.log.WithError(err).Debug("registration refused")
			}
		case alerter.KindResult:
			sent, err := l.manager.ProcessResult(l.pool, client, msg.Data, now)
			if err != nil {
				l.fatal("cannot process worker result: ", err)
				return
			}
			if sent {
				sentNum++
			} else {
				failedNum++
			}
		default:
			l.log.WithField("kind", msg.Kind).Warn("unexpected message kind")
		}
	}
}
