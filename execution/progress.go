package execution

import (
	"context"
	"sync"
)

// progressRelay forwards backend progress to the caller through a bounded
// queue. Producers block while the queue is full, which throttles a fast
// backend to the pace of a slow consumer.
type progressRelay struct {
	queue    chan ProgressEvent
	sink     func(ProgressEvent)
	flush    chan struct{}
	abort    chan struct{}
	exited   chan struct{}
	once     sync.Once
	stopOnce sync.Once
}

func newProgressRelay(size int, sink func(ProgressEvent)) *progressRelay {
	r := &progressRelay{
		queue:  make(chan ProgressEvent, size),
		sink:   sink,
		flush:  make(chan struct{}),
		abort:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.forward()
	return r
}

func (r *progressRelay) push(ev ProgressEvent) {
	select {
	case <-r.abort:
		return
	case <-r.flush:
		return
	default:
	}
	select {
	case r.queue <- ev:
	case <-r.abort:
	case <-r.flush:
	}
}

func (r *progressRelay) forward() {
	defer close(r.exited)
	for {
		select {
		case ev := <-r.queue:
			select {
			case <-r.abort:
				return
			default:
			}
			r.sink(ev)
		case <-r.abort:
			return
		case <-r.flush:
			for {
				select {
				case <-r.abort:
					return
				default:
				}
				select {
				case ev := <-r.queue:
					r.sink(ev)
				default:
					return
				}
			}
		}
	}
}

// drain delivers every queued event and waits for the forwarder to exit.
// If ctx ends first the remaining events are discarded and drain returns
// without waiting on the sink.
func (r *progressRelay) drain(ctx context.Context) {
	r.once.Do(func() { close(r.flush) })
	select {
	case <-r.exited:
	case <-ctx.Done():
		r.stop()
	}
}

// stop discards queued events and releases blocked producers. It does not
// wait: a sink call already running returns on its own and no further call
// starts after stop.
func (r *progressRelay) stop() {
	r.stopOnce.Do(func() { close(r.abort) })
}
