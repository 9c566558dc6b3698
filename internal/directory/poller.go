package directory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the session list is re-fetched
const DefaultRefreshInterval = 5 * time.Second

// Poller refreshes a Directory on a fixed interval
type Poller struct {
	dir      *Directory
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for dir. A non-positive interval uses DefaultRefreshInterval.
func NewPoller(dir *Directory, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Poller{dir: dir, interval: interval}
}

// Start refreshes once immediately and then on every tick until ctx ends or Stop is called
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("poller already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := p.dir.clock.NewTicker(p.interval)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()

		p.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				p.refresh(ctx)
			}
		}
	}()

	p.dir.logger.Info("session poller started", "interval", p.interval)
	return nil
}

// Stop ends polling and waits for an in-flight refresh to return
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.dir.logger.Info("session poller stopped")
}

func (p *Poller) refresh(ctx context.Context) {
	if err := p.dir.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.dir.logger.Warn("session refresh failed; retrying next tick", "error", err)
	}
}
