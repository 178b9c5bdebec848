// Package dispatch implements the alert manager's scheduling engine: the
// three-level priority queue (media type, alert pool, alert), the dispatch
// loop matching ready alerts to idle workers, and the retry/outcome state
// machine writing delivery results back to the store.
package dispatch

import (
	"encoding/binary"
	"hash/fnv"
)

// Alert delivery statuses, matching the store encoding.
const (
	StatusNotSent = 0
	StatusSent    = 1
	StatusFailed  = 2
	StatusNew     = 3
)

// AlertTypeMessage marks alerts delivered through a media type; other alert
// types are not dispatched by this manager.
const AlertTypeMessage = 0

// alertErrorLen caps the error text written to the alerts.error column.
const alertErrorLen = 2048

// Alert is one delivery attempt for one recipient on one media type.
type Alert struct {
	AlertID     uint64
	MediaTypeID uint64
	PoolID      uint64

	SendTo  string
	Subject string
	Message string

	Status  int
	Retries int
	// NextSend is the earliest Unix second at which dispatch is permitted.
	NextSend int64
}

// NewAlert builds an alert, deriving its pool id from the event identity.
func NewAlert(alertid, mediatypeid uint64, source, object int, objectid uint64,
	sendto, subject, message string, status, retries int, nextsend int64) *Alert {

	return &Alert{
		AlertID:     alertid,
		MediaTypeID: mediatypeid,
		PoolID:      CalcPoolID(source, object, objectid),
		SendTo:      sendto,
		Subject:     subject,
		Message:     message,
		Status:      status,
		Retries:     retries,
		NextSend:    nextsend,
	}
}

// CalcPoolID derives the alert pool id from the event source, object and
// objectid. Alerts sharing those three values share a pool and are delivered
// sequentially. The hash is FNV-1a over the little-endian encodings, mixed
// in a fixed order so pools survive restarts.
func CalcPoolID(source, object int, objectid uint64) uint64 {
	var buf [8]byte

	h := fnv.New64a()
	binary.LittleEndian.PutUint64(buf[:], objectid)
	h.Write(buf[:8])
	binary.LittleEndian.PutUint32(buf[:4], uint32(int32(source)))
	h.Write(buf[:4])
	binary.LittleEndian.PutUint32(buf[:4], uint32(int32(object)))
	h.Write(buf[:4])

	return h.Sum64()
}

func alertLess(a, b *Alert) bool {
	return a.NextSend < b.NextSend
}

// StatusUpdate is a buffered delivery outcome destined for the store.
type StatusUpdate struct {
	AlertID uint64
	Status  int
	Retries int
	Error   string
}
