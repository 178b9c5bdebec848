package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/openmon/alertflow/internal/queue"
	"github.com/openmon/alertflow/internal/telemetry"
)

// Manager owns all scheduler state: the media type, alert pool and status
// update tables, the three-level queue, and the worker slots. It is confined
// to the dispatch loop goroutine; nothing here is safe for concurrent use.
type Manager struct {
	mediaTypes map[uint64]*MediaType
	alertPools map[poolKey]*AlertPool
	updates    map[uint64]*StatusUpdate

	// queue orders media types by their earliest ready alert.
	queue *queue.Direct[*MediaType]

	store *Store
	log   *logrus.Entry
}

// NewManager creates an empty manager backed by store.
func NewManager(store *Store, log *telemetry.Logger) *Manager {
	return &Manager{
		mediaTypes: make(map[uint64]*MediaType),
		alertPools: make(map[poolKey]*AlertPool),
		updates:    make(map[uint64]*StatusUpdate),
		queue:      queue.NewDirect(mediaTypeKeyFunc, mediaTypeLess),
		store:      store,
		log:        log.WithField("component", "dispatch"),
	}
}

// mediaType returns the media type by id, or nil.
func (m *Manager) mediaType(mediatypeid uint64) *MediaType {
	return m.mediaTypes[mediatypeid]
}

// UpsertMediaType refreshes a media type's configuration, creating the entry
// if necessary. Scheduler state (queue membership, in-flight count) of an
// existing entry is preserved.
func (m *Manager) UpsertMediaType(cfg MediaTypeConfig) {
	mt := m.mediaTypes[cfg.MediaTypeID]
	if mt == nil {
		mt = newMediaType(cfg)
		m.mediaTypes[cfg.MediaTypeID] = mt
		return
	}
	mt.MediaTypeConfig = cfg
}

// pushMediaType queues the media type in the manager queue, or updates its
// position when already queued. Media types with an empty pool heap have
// nothing to schedule and stay out. A media type at its session cap also
// stays out; it re-enters when a completion decrements the counter.
func (m *Manager) pushMediaType(mt *MediaType) {
	if mt.queue.Empty() {
		return
	}

	if mt.location == locNowhere {
		if mt.MaxSessions == 0 || mt.alertsNum < mt.MaxSessions {
			m.queue.Push(mt)
			mt.location = locQueued
		}
		return
	}

	m.queue.Update(mt.MediaTypeID)
}

// popMediaType removes and returns the earliest media type, or nil.
func (m *Manager) popMediaType() *MediaType {
	mt, ok := m.queue.Pop()
	if !ok {
		return nil
	}
	mt.location = locNowhere
	return mt
}

// removeMediaType drops a media type from the table once it holds no pools
// and no in-flight alerts.
func (m *Manager) removeMediaType(mt *MediaType) {
	delete(m.mediaTypes, mt.MediaTypeID)
}

// alertPool returns the pool for (mediatypeid, poolid), creating it when
// absent. Retried alerts may re-create a pool destroyed on their dispatch.
func (m *Manager) alertPool(mediatypeid, poolid uint64) *AlertPool {
	key := poolKey{mediaTypeID: mediatypeid, poolID: poolid}
	pool := m.alertPools[key]
	if pool == nil {
		pool = newAlertPool(mediatypeid, poolid)
		m.alertPools[key] = pool
	}
	return pool
}

// pushAlertPool queues the pool in its media type queue, or updates its
// position when already queued. Must be called after any change to the
// pool's alerts.
func (m *Manager) pushAlertPool(mt *MediaType, pool *AlertPool) {
	if pool.location == locNowhere {
		mt.queue.Push(pool)
		pool.location = locQueued
		return
	}
	mt.queue.Update(pool.ID)
}

// popAlertPool removes and returns the media type's earliest pool, or nil.
func (m *Manager) popAlertPool(mt *MediaType) *AlertPool {
	pool, ok := mt.queue.Pop()
	if !ok {
		return nil
	}
	pool.location = locNowhere
	return pool
}

// removeAlertPool drops an emptied pool from the table.
func (m *Manager) removeAlertPool(pool *AlertPool) {
	delete(m.alertPools, poolKey{mediaTypeID: pool.MediaTypeID, poolID: pool.ID})
}

// pushAlert inserts an alert into its pool's queue. The caller follows up
// with pushAlertPool and pushMediaType to restore the parent keys.
func (m *Manager) pushAlert(pool *AlertPool, alert *Alert) {
	pool.queue.Push(alert)
}

// PopAlert removes and returns the next alert to dispatch, or nil when the
// queue chain is empty. The alert's media type is re-queued when still under
// its session cap; the pool is not — it returns only when this alert
// completes, keeping at most one alert per pool in flight.
func (m *Manager) PopAlert() *Alert {
	mt := m.popMediaType()
	if mt == nil {
		return nil
	}

	pool := m.popAlertPool(mt)
	alert, _ := pool.queue.Pop()

	mt.alertsNum++
	if mt.MaxSessions == 0 || mt.alertsNum < mt.MaxSessions {
		m.pushMediaType(mt)
	}

	return alert
}

// RemoveAlert completes an alert terminally, re-queueing its pool and media
// type or destroying them when nothing is left.
func (m *Manager) RemoveAlert(alert *Alert) {
	mt := m.mediaType(alert.MediaTypeID)
	if mt == nil {
		return
	}

	mt.alertsNum--

	key := poolKey{mediaTypeID: alert.MediaTypeID, poolID: alert.PoolID}
	if pool := m.alertPools[key]; pool != nil {
		if pool.queue.Empty() {
			m.removeAlertPool(pool)
		} else {
			m.pushAlertPool(mt, pool)
		}
	}

	if mt.queue.Empty() && mt.alertsNum == 0 {
		m.removeMediaType(mt)
	} else {
		m.pushMediaType(mt)
	}
}

// RetryAlert re-queues a transiently failed alert with its media type's
// attempt interval. It returns true when the alert was requeued and false
// when its attempts are exhausted (or its media type vanished) and it was
// removed instead.
func (m *Manager) RetryAlert(alert *Alert, now int64) bool {
	mt := m.mediaType(alert.MediaTypeID)
	if mt == nil {
		m.log.WithField("alertid", alert.AlertID).Warn("retrying alert without media type")
		m.RemoveAlert(alert)
		return false
	}

	alert.Retries++
	if alert.Retries >= mt.MaxAttempts {
		m.RemoveAlert(alert)
		return false
	}

	alert.NextSend = now + int64(mt.AttemptInterval)

	mt.alertsNum--
	pool := m.alertPool(alert.MediaTypeID, alert.PoolID)

	m.pushAlert(pool, alert)
	m.pushAlertPool(mt, pool)
	m.pushMediaType(mt)

	return true
}

// CheckQueue reports whether the earliest queued alert may be dispatched at
// now. Nothing is popped.
func (m *Manager) CheckQueue(now int64) bool {
	mt, ok := m.queue.Peek()
	if !ok {
		return false
	}

	pool, ok := mt.queue.Peek()
	if !ok {
		return false
	}

	alert, ok := pool.queue.Peek()
	if !ok {
		return false
	}

	return alert.NextSend <= now
}

// BufferUpdate records a delivery outcome to be written to the store at the
// next flush. A later outcome for the same alert overwrites the earlier one.
func (m *Manager) BufferUpdate(alertid uint64, status, retries int, errmsg string) {
	update := m.updates[alertid]
	if update == nil {
		update = &StatusUpdate{AlertID: alertid}
		m.updates[alertid] = update
	}
	update.Status = status
	update.Retries = retries
	update.Error = errmsg
}
