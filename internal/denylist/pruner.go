package denylist

import (
	"context"
	"sync"
	"time"

	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

// Pruner sweeps expired deny entries: once at startup, then on a fixed
// interval (daily in production). It performs no device-side
// transmission and is safe to run concurrently with the listener —
// deletion is keyed on an unconditional expiry predicate over
// independent rows.
type Pruner struct {
	ledger   Repository
	interval time.Duration
	logger   *logging.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewPruner creates a pruner. Call Start to begin sweeping.
func NewPruner(ledger Repository, interval time.Duration, logger *logging.Logger) *Pruner {
	return &Pruner{
		ledger:   ledger,
		interval: interval,
		logger:   logger.With("component", "denylist_pruner"),
		done:     make(chan struct{}),
	}
}

// Start runs an immediate sweep and then launches the periodic loop.
func (p *Pruner) Start(ctx context.Context) {
	p.sweep(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop shuts the pruner down. Safe to call multiple times.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pruner) sweep(ctx context.Context) {
	n, err := p.ledger.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		p.logger.Error("pruning expired deny entries", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned expired deny entries", "removed", n)
	}
}
