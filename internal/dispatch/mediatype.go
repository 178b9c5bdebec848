package dispatch

import "github.com/openmon/alertflow/internal/queue"

// Media type transports, matching the store encoding.
const (
	MediaEmail     = 0
	MediaExec      = 1
	MediaSMS       = 2
	MediaJabber    = 3
	MediaEZTexting = 100
)

// location tracks whether an entity currently sits in its parent heap.
type location int

const (
	locNowhere location = iota
	locQueued
)

// MediaTypeConfig is the delivery channel configuration read from the store.
type MediaTypeConfig struct {
	MediaTypeID uint64
	Type        int
	Description string

	SMTPServer string
	SMTPHelo   string
	SMTPEmail  string
	ExecPath   string
	ExecParams string
	GSMModem   string
	Username   string
	Passwd     string

	SMTPPort       uint16
	SMTPSecurity   uint8
	SMTPVerifyPeer uint8
	SMTPVerifyHost uint8
	SMTPAuth       uint8

	// MaxSessions caps concurrently in-flight alerts; 0 means unlimited.
	MaxSessions int
	// MaxAttempts is the total number of delivery attempts permitted.
	MaxAttempts int
	// AttemptInterval is the delay in seconds between attempts.
	AttemptInterval int
}

// MediaType is a delivery channel plus its scheduler state.
type MediaType struct {
	MediaTypeConfig

	location location
	// alertsNum counts alerts popped for dispatch and not yet completed.
	alertsNum int

	// queue orders the media type's alert pools by their earliest alert.
	queue *queue.Direct[*AlertPool]
}

func newMediaType(cfg MediaTypeConfig) *MediaType {
	return &MediaType{
		MediaTypeConfig: cfg,
		location:        locNowhere,
		queue:           queue.NewDirect(poolKeyFunc, poolLess),
	}
}

func poolKeyFunc(p *AlertPool) uint64 {
	return p.ID
}

// mediaTypeLess orders media types by the next send time of their earliest
// pool's earliest alert. Only valid while both media types hold at least one
// queued pool, which the placement invariants guarantee for heap members.
func mediaTypeLess(m1, m2 *MediaType) bool {
	p1, _ := m1.queue.Peek()
	p2, _ := m2.queue.Peek()
	return poolLess(p1, p2)
}

func mediaTypeKeyFunc(m *MediaType) uint64 {
	return m.MediaTypeID
}
