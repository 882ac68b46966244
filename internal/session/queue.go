package session

import (
	"futures-session-bot-go/internal/metrics"
	"futures-session-bot-go/internal/models"
)

// orderQueue is the bounded buffer between signal generation and
// execution. Enqueue never blocks the market-data task: when the queue
// is full the incoming order is dropped and reported, on the argument
// that a signal old enough to be crowded out is a signal not worth
// acting on.
type orderQueue struct {
	ch chan *models.ProposedOrder
}

func newOrderQueue(capacity int) *orderQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &orderQueue{ch: make(chan *models.ProposedOrder, capacity)}
}

// enqueue reports false when the order was dropped on overflow.
func (q *orderQueue) enqueue(o *models.ProposedOrder) bool {
	select {
	case q.ch <- o:
		metrics.SetQueueDepth(len(q.ch))
		return true
	default:
		metrics.IncOrder("dropped")
		return false
	}
}

// tryDequeue returns nil when no order is pending.
func (q *orderQueue) tryDequeue() *models.ProposedOrder {
	select {
	case o := <-q.ch:
		metrics.SetQueueDepth(len(q.ch))
		return o
	default:
		return nil
	}
}

// drain empties the queue, oldest first.
func (q *orderQueue) drain() []*models.ProposedOrder {
	var out []*models.ProposedOrder
	for {
		o := q.tryDequeue()
		if o == nil {
			return out
		}
		out = append(out, o)
	}
}

func (q *orderQueue) depth() int { return len(q.ch) }
