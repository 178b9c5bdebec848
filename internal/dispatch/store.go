package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/openmon/alertflow/internal/telemetry"
)

// Store is the manager's adapter to the relational alert store.
type Store struct {
	db     *sql.DB
	logger *telemetry.Logger

	// firstRead widens the first poll to include not-sent alerts left over
	// from a previous run.
	firstRead bool
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, log *telemetry.Logger) *Store {
	return &Store{
		db:        db,
		logger:    log,
		firstRead: true,
	}
}

// log returns an entry carrying the poll cycle's correlation id.
func (s *Store) log(ctx context.Context) *logrus.Entry {
	return s.logger.WithContext(ctx).WithField("component", "store")
}

const getAlertsQuery = `
	SELECT a.alertid, a.mediatypeid, a.sendto, a.subject, a.message,
		a.status, a.retries, e.source, e.object, e.objectid
	FROM alerts a
	LEFT JOIN events e ON a.eventid = e.eventid
	WHERE a.alerttype = $1 AND a.status = ANY($2)
	ORDER BY a.alertid`

// GetAlerts reads unprocessed message alerts. The first call returns new and
// not-sent alerts; later calls return only new ones. Newly read new alerts
// are promoted to not-sent in the store, so a restart between that promotion
// and a delivery will re-deliver them: at-least-once is intentional, the
// store is the source of truth on recovery. All returned alerts carry
// nextsend = now.
func (s *Store) GetAlerts(ctx context.Context, now int64) ([]*Alert, error) {
	statuses := []int64{StatusNew}
	if s.firstRead {
		statuses = []int64{StatusNew, StatusNotSent}
	}

	rows, err := s.db.QueryContext(ctx, getAlertsQuery, AlertTypeMessage, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}
	defer rows.Close()

	var (
		alerts []*Alert
		newIDs []int64
	)

	for rows.Next() {
		var (
			alertid, mediatypeid     int64
			sendto, subject, message sql.NullString
			status, retries          int
			source, object           sql.NullInt64
			objectid                 sql.NullInt64
		)

		if err := rows.Scan(&alertid, &mediatypeid, &sendto, &subject, &message,
			&status, &retries, &source, &object, &objectid); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}

		alert := NewAlert(uint64(alertid), uint64(mediatypeid),
			int(source.Int64), int(object.Int64), uint64(objectid.Int64),
			sendto.String, subject.String, message.String,
			status, retries, now)

		alerts = append(alerts, alert)

		if alert.Status == StatusNew {
			newIDs = append(newIDs, alertid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}

	if len(newIDs) > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE alerts SET status = $1 WHERE alertid = ANY($2)`,
			StatusNotSent, pq.Array(newIDs))
		if err != nil {
			return nil, fmt.Errorf("failed to promote new alerts: %w", err)
		}
	}

	s.firstRead = false

	s.log(ctx).WithField("alerts", len(alerts)).Debug("read alerts from store")
	return alerts, nil
}

const getMediaTypesQuery = `
	SELECT mediatypeid, type, description, smtp_server, smtp_helo, smtp_email,
		exec_path, gsm_modem, username, passwd, smtp_port, smtp_security,
		smtp_verify_peer, smtp_verify_host, smtp_authentication, exec_params,
		maxsessions, maxattempts, attempt_interval
	FROM media_type
	WHERE mediatypeid = ANY($1)`

// GetMediaTypes reads the configuration of the given media types. Rows with
// a malformed smtp_port are skipped; alerts referencing them later fail to
// dispatch with a missing media type.
func (s *Store) GetMediaTypes(ctx context.Context, ids []uint64) ([]MediaTypeConfig, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	sorted := make([]int64, len(ids))
	for i, id := range ids {
		sorted[i] = int64(id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rows, err := s.db.QueryContext(ctx, getMediaTypesQuery, pq.Array(sorted))
	if err != nil {
		return nil, fmt.Errorf("failed to read media types: %w", err)
	}
	defer rows.Close()

	var configs []MediaTypeConfig

	for rows.Next() {
		var (
			cfg      MediaTypeConfig
			id       int64
			smtpPort string

			description, smtpServer, smtpHelo, smtpEmail   sql.NullString
			execPath, gsmModem, username, passwd, execParams sql.NullString
			security, verifyPeer, verifyHost, auth          int
		)

		if err := rows.Scan(&id, &cfg.Type, &description, &smtpServer, &smtpHelo,
			&smtpEmail, &execPath, &gsmModem, &username, &passwd, &smtpPort,
			&security, &verifyPeer, &verifyHost, &auth, &execParams,
			&cfg.MaxSessions, &cfg.MaxAttempts, &cfg.AttemptInterval); err != nil {
			return nil, fmt.Errorf("failed to scan media type row: %w", err)
		}

		port, err := strconv.ParseUint(smtpPort, 10, 16)
		if err != nil {
			s.log(ctx).WithField("mediatypeid", id).Warn("skipping media type with malformed smtp_port")
			continue
		}

		cfg.MediaTypeID = uint64(id)
		cfg.Description = description.String
		cfg.SMTPServer = smtpServer.String
		cfg.SMTPHelo = smtpHelo.String
		cfg.SMTPEmail = smtpEmail.String
		cfg.ExecPath = execPath.String
		cfg.ExecParams = execParams.String
		cfg.GSMModem = gsmModem.String
		cfg.Username = username.String
		cfg.Passwd = passwd.String
		cfg.SMTPPort = uint16(port)
		cfg.SMTPSecurity = uint8(security)
		cfg.SMTPVerifyPeer = uint8(verifyPeer)
		cfg.SMTPVerifyHost = uint8(verifyHost)
		cfg.SMTPAuth = uint8(auth)

		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read media types: %w", err)
	}

	return configs, nil
}

// FlushUpdates writes the buffered status updates in one transaction,
// ordered by alertid for a deterministic lock acquisition order. Empty
// input is a no-op: no transaction is started.
func (s *Store) FlushUpdates(ctx context.Context, updates []*StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].AlertID < updates[j].AlertID })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	for _, update := range updates {
		errText := update.Error
		if len(errText) > alertErrorLen {
			errText = errText[:alertErrorLen]
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE alerts SET status = $1, retries = $2, error = $3 WHERE alertid = $4`,
			update.Status, update.Retries, errText, int64(update.AlertID))
		if err != nil {
			return fmt.Errorf("failed to update alert %d: %w", update.AlertID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert updates: %w", err)
	}

	s.log(ctx).WithField("updates", len(updates)).Debug("flushed alert status updates")
	return nil
}

// QueueAlerts polls the store for unprocessed alerts, refreshes the media
// types they reference, and places them into the scheduler. Alerts whose
// media type did not resolve are dropped; they were promoted to not-sent
// already and will not return on the next poll.
func (m *Manager) QueueAlerts(ctx context.Context, now int64) error {
	alerts, err := m.store.GetAlerts(ctx, now)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	seen := make(map[uint64]struct{})
	var ids []uint64
	for _, alert := range alerts {
		if _, ok := seen[alert.MediaTypeID]; ok {
			continue
		}
		seen[alert.MediaTypeID] = struct{}{}
		ids = append(ids, alert.MediaTypeID)
	}

	configs, err := m.store.GetMediaTypes(ctx, ids)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		m.UpsertMediaType(cfg)
	}

	for _, alert := range alerts {
		mt := m.mediaType(alert.MediaTypeID)
		if mt == nil {
			m.log.WithField("alertid", alert.AlertID).
				WithField("mediatypeid", alert.MediaTypeID).
				Warn("dropping alert with unresolved media type")
			continue
		}

		pool := m.alertPool(alert.MediaTypeID, alert.PoolID)
		m.pushAlert(pool, alert)
		m.pushAlertPool(mt, pool)
		m.pushMediaType(mt)
	}

	return nil
}

// FlushUpdates writes and clears the manager's buffered status updates.
func (m *Manager) FlushUpdates(ctx context.Context) error {
	if len(m.updates) == 0 {
		return nil
	}

	updates := make([]*StatusUpdate, 0, len(m.updates))
	for _, update := range m.updates {
		updates = append(updates, update)
	}

	if err := m.store.FlushUpdates(ctx, updates); err != nil {
		return err
	}

	m.updates = make(map[uint64]*StatusUpdate)
	return nil
}
