package jobs

import (
	"context"
	"sync"
	"time"
)

// Periodic is an owned handle to work scheduled on a fixed interval.
// Stop cancels it exactly once and returns after the scheduling loop has
// exited; no invocation of fn starts after Stop returns.
type Periodic struct {
	interval time.Duration
	fn       func(ctx context.Context)
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Every starts fn on each tick of interval. fn runs on the scheduling
// goroutine and receives a context cancelled by Stop.
func Every(interval time.Duration, fn func(ctx context.Context)) *Periodic {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Periodic{
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Periodic) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			// Stop may race a pending tick; prefer cancellation.
			if p.ctx.Err() != nil {
				return
			}
			p.fn(p.ctx)
		}
	}
}

func (p *Periodic) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
	})
}

// Context is cancelled when the task stops.
func (p *Periodic) Context() context.Context {
	return p.ctx
}

func (p *Periodic) Interval() time.Duration {
	return p.interval
}
