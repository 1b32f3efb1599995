package worker

import (
	"context"
	"log/slog"
	"time"
)

// Prunable drops retained state older than a cutoff and reports how many
// entries went away.
type Prunable interface {
	Prune(before time.Time) int
}

// Pruner deletes finished batch streams once they outlive the retention period.
type Pruner struct {
	name      string
	retention time.Duration
	target    Prunable
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(name string, retention time.Duration, target Prunable) *Pruner {
	return &Pruner{
		name:      name,
		retention: retention,
		target:    target,
		now:       time.Now,
		log:       slog.Default().With("component", "pruner", "target", name),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour.
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune runs one pass and returns the number of entries removed.
func (p *Pruner) Prune() int {
	n := p.target.Prune(p.now().Add(-p.retention))
	if n > 0 {
		p.log.Debug("Pruned expired entries", "count", n)
	}
	return n
}
