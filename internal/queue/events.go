package queue

// Event is a queue lifecycle notification. Each event is a concrete type so
// consumers switch on type instead of probing string keys.
type Event interface {
	queueEvent()
}

// ItemProgress reports a progress/throughput update for an uploading item.
// High-frequency and advisory; the queue drops these rather than block.
type ItemProgress struct {
	Item ItemSnapshot
}

func (ItemProgress) queueEvent() {}

// ItemStarted reports that an item was promoted from queued to uploading.
type ItemStarted struct {
	Item ItemSnapshot
}

func (ItemStarted) queueEvent() {}

// ItemCompleted reports that an item's transfer finished successfully.
type ItemCompleted struct {
	Item ItemSnapshot
}

func (ItemCompleted) queueEvent() {}

// ItemFailed reports that an item entered the error state.
type ItemFailed struct {
	Item ItemSnapshot
}

func (ItemFailed) queueEvent() {}

// Drained reports that no queued or in-flight items remain.
type Drained struct{}

func (Drained) queueEvent() {}

// eventBufSize is the event channel depth. Progress events are dropped when
// the consumer lags; lifecycle events block briefly instead (the buffer makes
// that rare).
const eventBufSize = 256

// publish sends a lifecycle event, dropping only if the consumer has
// abandoned the channel entirely.
func (q *Queue) publish(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Warn("event channel full, dropping event")
	}
}

// publishProgress sends a progress event without ever blocking.
func (q *Queue) publishProgress(ev ItemProgress) {
	select {
	case q.events <- ev:
	default:
	}
}
