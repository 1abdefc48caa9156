package history

import (
	"context"
	"sync"
	"time"
)

const defaultPruneInterval = time.Hour

// Pruner deletes journal entries older than a retention period, once at
// start and then every interval.
type Pruner struct {
	repo      Repository
	retention time.Duration
	interval  time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   Logger
}

// NewPruner creates a Pruner. A non-positive interval means hourly.
func NewPruner(repo Repository, retention, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Start.
func (p *Pruner) SetLogger(logger Logger) {
	p.logger = logger
}

// Start begins pruning in the background until ctx is cancelled or Stop is
// called. A non-positive retention keeps everything and Start does nothing.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
}

// Stop ends the background loop and waits for it to exit.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Pruner) loop(ctx context.Context) {
	p.PruneNow(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.PruneNow(ctx)
		}
	}
}

// PruneNow runs one prune pass and returns the number of deleted entries.
func (p *Pruner) PruneNow(ctx context.Context) int64 {
	deleted, err := p.repo.Prune(ctx, p.retention)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("failed to prune switch history", "error", err)
		}
		return 0
	}
	if deleted > 0 && p.logger != nil {
		p.logger.Info("pruned switch history",
			"deleted", deleted,
			"retention", p.retention.String(),
		)
	}
	return deleted
}
