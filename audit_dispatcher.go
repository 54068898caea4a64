package authcore

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher fans emitted events out to every registered sink from
// a single goroutine, so a slow sink never sits on the login path and
// sinks never see concurrent Emit calls.
type auditDispatcher struct {
	cfg   AuditConfig
	sinks []AuditSink

	events  chan AuditEvent
	stop    chan struct{}
	stopped sync.WaitGroup

	dropped   atomic.Uint64
	closing   atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sinks []AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if len(sinks) == 0 {
		sinks = []AuditSink{NoOpSink{}}
	}

	d := &auditDispatcher{
		cfg:    cfg,
		sinks:  sinks,
		events: make(chan AuditEvent, cfg.BufferSize),
		stop:   make(chan struct{}),
	}

	d.stopped.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.stopped.Done()

	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-d.stop:
			// Flush the buffer so Close never loses accepted events.
			for {
				select {
				case event := <-d.events:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *auditDispatcher) deliver(event AuditEvent) {
	for _, sink := range d.sinks {
		sink.Emit(context.Background(), event)
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.events <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		d.stopped.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
