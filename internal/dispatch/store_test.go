package dispatch

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmon/alertflow/internal/alerter"
	"github.com/openmon/alertflow/internal/telemetry"
)

var alertColumns = []string{
	"alertid", "mediatypeid", "sendto", "subject", "message",
	"status", "retries", "source", "object", "objectid",
}

var mediaTypeColumns = []string{
	"mediatypeid", "type", "description", "smtp_server", "smtp_helo", "smtp_email",
	"exec_path", "gsm_modem", "username", "passwd", "smtp_port", "smtp_security",
	"smtp_verify_peer", "smtp_verify_host", "smtp_authentication", "exec_params",
	"maxsessions", "maxattempts", "attempt_interval",
}

func emailMediaTypeRow(rows *sqlmock.Rows, id int64, maxsessions, maxattempts, interval int) *sqlmock.Rows {
	return rows.AddRow(id, MediaEmail, "Email", "mail.example.com", "", "monitor@example.com",
		"", "", "", "", "25", 0, 0, 0, 0, "", maxsessions, maxattempts, interval)
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, newTestLogger(t)), mock
}

func TestStore_GetAlerts_FirstReadIncludesNotSent(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT a.alertid").
		WithArgs(AlertTypeMessage, pq.Array([]int64{StatusNew, StatusNotSent})).
		WillReturnRows(sqlmock.NewRows(alertColumns).
			AddRow(1, 10, "admin", "s", "m", StatusNew, 0, 0, 0, 42).
			AddRow(2, 10, "admin", "s", "m", StatusNotSent, 1, 0, 0, 43))

	// Only the new alert is promoted.
	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs(StatusNotSent, pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	alerts, err := store.GetAlerts(ctx, 500)
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, uint64(1), alerts[0].AlertID)
	assert.Equal(t, StatusNew, alerts[0].Status)
	assert.Equal(t, int64(500), alerts[0].NextSend)
	assert.Equal(t, 1, alerts[1].Retries)

	// Later polls no longer look at leftover not-sent alerts.
	mock.ExpectQuery("SELECT a.alertid").
		WithArgs(AlertTypeMessage, pq.Array([]int64{StatusNew})).
		WillReturnRows(sqlmock.NewRows(alertColumns))

	alerts, err = store.GetAlerts(ctx, 530)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetAlerts_NoPromotionWithoutNew(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT a.alertid").
		WithArgs(AlertTypeMessage, pq.Array([]int64{StatusNew, StatusNotSent})).
		WillReturnRows(sqlmock.NewRows(alertColumns).
			AddRow(1, 10, "admin", "s", "m", StatusNotSent, 2, 0, 0, 42))

	alerts, err := store.GetAlerts(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LogsCarryCorrelationID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := telemetry.NewLogger(&telemetry.LogConfig{
		Level:  telemetry.DebugLevel,
		Format: "json",
		Output: "stderr",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	store := NewStore(db, log)

	mock.ExpectQuery("SELECT a.alertid").
		WillReturnRows(sqlmock.NewRows(alertColumns))

	ctx := telemetry.WithCorrelationID(context.Background(), "poll-7")
	_, err = store.GetAlerts(ctx, 100)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"correlation_id":"poll-7"`)
}

func TestStore_GetMediaTypes_SkipsMalformedPort(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows(mediaTypeColumns).
		AddRow(1, MediaEmail, "Broken", "mail", "", "a@b", "", "", "", "", "banana", 0, 0, 0, 0, "", 0, 3, 60)
	rows = emailMediaTypeRow(rows, 2, 5, 10, 120)

	// The id set is passed sorted.
	mock.ExpectQuery("SELECT mediatypeid").
		WithArgs(pq.Array([]int64{1, 2})).
		WillReturnRows(rows)

	configs, err := store.GetMediaTypes(context.Background(), []uint64{2, 1})
	require.NoError(t, err)
	require.Len(t, configs, 1)

	cfg := configs[0]
	assert.Equal(t, uint64(2), cfg.MediaTypeID)
	assert.Equal(t, uint16(25), cfg.SMTPPort)
	assert.Equal(t, "mail.example.com", cfg.SMTPServer)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 120, cfg.AttemptInterval)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMediaTypes_EmptyIDs(t *testing.T) {
	store, mock := newTestStore(t)

	configs, err := store.GetMediaTypes(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, configs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FlushUpdates_EmptyIsNoop(t *testing.T) {
	store, mock := newTestStore(t)

	require.NoError(t, store.FlushUpdates(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FlushUpdates_SortsAndTruncates(t *testing.T) {
	store, mock := newTestStore(t)

	longError := strings.Repeat("x", 3000)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs(StatusFailed, 2, longError[:alertErrorLen], int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs(StatusSent, 0, "", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updates := []*StatusUpdate{
		{AlertID: 9, Status: StatusSent},
		{AlertID: 1, Status: StatusFailed, Retries: 2, Error: longError},
	}
	require.NoError(t, store.FlushUpdates(context.Background(), updates))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FlushUpdates_RollsBackOnError(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE alerts SET status").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	updates := []*StatusUpdate{{AlertID: 1, Status: StatusSent}}
	require.Error(t, store.FlushUpdates(context.Background(), updates))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_QueueAlertsDropsUnresolvedMediaType(t *testing.T) {
	store, mock := newTestStore(t)
	m := NewManager(store, newTestLogger(t))

	mock.ExpectQuery("SELECT a.alertid").
		WillReturnRows(sqlmock.NewRows(alertColumns).
			AddRow(1, 1, "admin", "s", "m", StatusNotSent, 0, 0, 0, 42).
			AddRow(2, 9, "admin", "s", "m", StatusNotSent, 0, 0, 0, 43))

	rows := emailMediaTypeRow(sqlmock.NewRows(mediaTypeColumns), 1, 0, 3, 60)
	mock.ExpectQuery("SELECT mediatypeid").
		WithArgs(pq.Array([]int64{1, 9})).
		WillReturnRows(rows)

	require.NoError(t, m.QueueAlerts(context.Background(), 100))

	// Only the resolvable alert made it into the scheduler.
	require.True(t, m.CheckQueue(100))
	alert := m.PopAlert()
	require.NotNil(t, alert)
	assert.Equal(t, uint64(1), alert.AlertID)
	assert.False(t, m.CheckQueue(100))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDispatch_SingleAlertLifecycle walks one alert from store poll to
// delivered: poll, dispatch to a registered worker, apply the success
// result, flush the status update.
func TestDispatch_SingleAlertLifecycle(t *testing.T) {
	store, mock := newTestStore(t)
	m := NewManager(store, newTestLogger(t))

	service, pool := newTestPool(t, 1, "")
	conn := registerWorker(t, service, pool)

	now := int64(1000)

	mock.ExpectQuery("SELECT a.alertid").
		WithArgs(AlertTypeMessage, pq.Array([]int64{StatusNew, StatusNotSent})).
		WillReturnRows(sqlmock.NewRows(alertColumns).
			AddRow(5, 1, "admin@example.com", "down", "host is down", StatusNew, 0, 0, 0, 42))
	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs(StatusNotSent, pq.Array([]int64{5})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT mediatypeid").
		WithArgs(pq.Array([]int64{1})).
		WillReturnRows(emailMediaTypeRow(sqlmock.NewRows(mediaTypeColumns), 1, 0, 3, 60))

	require.NoError(t, m.QueueAlerts(context.Background(), now))
	require.True(t, m.CheckQueue(now))

	slot := pool.PopFree()
	require.NotNil(t, slot)
	alert := m.PopAlert()
	require.NotNil(t, alert)
	require.True(t, m.ProcessAlert(pool, slot, alert))

	// The worker sees the composed email job and reports success.
	msg, ok := conn.Recv()
	require.True(t, ok)
	require.Equal(t, alerter.KindEmail, msg.Kind)

	var job alerter.EmailJob
	require.NoError(t, alerter.Unmarshal(msg.Data, &job))
	assert.Equal(t, uint64(5), job.AlertID)
	assert.Equal(t, "admin@example.com", job.SendTo)

	data, err := alerter.Marshal(alerter.Result{ErrCode: alerter.ResultOK})
	require.NoError(t, err)
	require.NoError(t, conn.Send(alerter.KindResult, data))

	client, received, _ := service.Recv(0)
	require.NotNil(t, received)
	require.Equal(t, alerter.KindResult, received.Kind)

	sent, err := m.ProcessResult(pool, client, received.Data, now)
	require.NoError(t, err)
	assert.True(t, sent)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE alerts SET status").
		WithArgs(StatusSent, 0, "", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, m.FlushUpdates(context.Background()))
	assert.Empty(t, m.updates)

	// The scheduler is empty again and the worker is idle.
	assert.False(t, m.CheckQueue(now+1000))
	assert.Empty(t, m.mediaTypes)
	assert.NotNil(t, pool.PopFree())

	assert.NoError(t, mock.ExpectationsWereMet())
}
