package dispatch

import "github.com/openmon/alertflow/internal/queue"

// AlertPool serializes alerts that concern the same logical object under the
// same media type. Pools may be processed in parallel; alerts inside a pool
// are processed one at a time.
type AlertPool struct {
	ID          uint64
	MediaTypeID uint64

	location location

	// queue orders the pool's alerts by next send time.
	queue *queue.Heap[*Alert]
}

// poolKey identifies a pool in the manager's pool table.
type poolKey struct {
	mediaTypeID uint64
	poolID      uint64
}

func newAlertPool(mediatypeid, poolid uint64) *AlertPool {
	return &AlertPool{
		ID:          poolid,
		MediaTypeID: mediatypeid,
		location:    locNowhere,
		queue:       queue.New(alertLess),
	}
}

// poolLess orders pools by the next send time of their earliest alert. Only
// valid while both pools are non-empty, which holds for every pool present
// in a media type heap.
func poolLess(p1, p2 *AlertPool) bool {
	a1, _ := p1.queue.Peek()
	a2, _ := p2.queue.Peek()
	return alertLess(a1, a2)
}
