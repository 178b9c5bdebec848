package dispatch

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmon/alertflow/internal/alerter"
	"github.com/openmon/alertflow/internal/telemetry"
)

// runLoop runs the dispatch loop with its fatal handler replaced by a
// recorder, returning once the loop stops.
func runLoop(t *testing.T, loop *Loop) []string {
	t.Helper()

	var fatals []string
	loop.fatal = func(args ...any) {
		for _, arg := range args {
			if s, ok := arg.(string); ok {
				fatals = append(fatals, s)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("dispatch loop did not stop")
	}
	return fatals
}

func TestLoop_FatalOnResultFromUnknownClient(t *testing.T) {
	store, mock := newTestStore(t)
	m := NewManager(store, newTestLogger(t))
	service, pool := newTestPool(t, 1, "")

	// The first iteration polls the store.
	mock.ExpectQuery("SELECT a.alertid").
		WillReturnRows(sqlmock.NewRows(alertColumns))

	conn, err := service.Connect()
	require.NoError(t, err)
	data, err := alerter.Marshal(alerter.Result{ErrCode: alerter.ResultOK})
	require.NoError(t, err)
	require.NoError(t, conn.Send(alerter.KindResult, data))

	loop := NewLoop(m, pool, service, LoopConfig{SenderFrequency: 30}, newTestLogger(t))
	fatals := runLoop(t, loop)

	require.NotEmpty(t, fatals, "a result from an unregistered client must stop the process")
	assert.Contains(t, fatals[0], "cannot process worker result")
}

func TestLoop_PollErrorsCarryCorrelationID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := telemetry.NewLogger(&telemetry.LogConfig{
		Level:  telemetry.ErrorLevel,
		Format: "json",
		Output: "stderr",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)

	m := NewManager(NewStore(db, log), log)
	service, pool := newTestPool(t, 1, "")

	mock.ExpectQuery("SELECT a.alertid").
		WillReturnError(assert.AnError)

	loop := NewLoop(m, pool, service, LoopConfig{SenderFrequency: 30}, log)
	loop.fatal = func(args ...any) {}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}

	// The error line of the poll cycle is stamped with its correlation id.
	assert.Contains(t, buf.String(), "cannot queue alerts from store")
	assert.Contains(t, buf.String(), `"correlation_id"`)
}

func TestLoop_FatalOnOverRegistration(t *testing.T) {
	store, mock := newTestStore(t)
	m := NewManager(store, newTestLogger(t))

	// Zero slots: the very first registration exceeds the configured forks.
	service, pool := newTestPool(t, 0, "")

	mock.ExpectQuery("SELECT a.alertid").
		WillReturnRows(sqlmock.NewRows(alertColumns))

	conn, err := service.Connect()
	require.NoError(t, err)
	data, err := alerter.Marshal(alerter.Register{PID: os.Getpid()})
	require.NoError(t, err)
	require.NoError(t, conn.Send(alerter.KindRegister, data))

	loop := NewLoop(m, pool, service, LoopConfig{SenderFrequency: 30}, newTestLogger(t))
	fatals := runLoop(t, loop)

	require.NotEmpty(t, fatals)
	assert.Contains(t, fatals[0], "worker registration failed")
}
