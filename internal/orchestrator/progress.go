package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"yardkit/internal/domain"
)

// Subscriber is the consuming side of the lifecycle bus.
type Subscriber interface {
	Subscribe(name string) <-chan domain.Lifecycle
	Unsubscribe(name string)
}

// Progress logs shift progress from lifecycle notifications.
type Progress struct {
	logger *zap.Logger

	mu      sync.Mutex
	active  int
	settled int
	failed  int
}

func NewProgress(logger *zap.Logger) *Progress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Progress{logger: logger.Named("progress")}
}

// Follow consumes notifications until ctx is done or the subscription is closed. The returned
// channel is closed when consumption stops.
func (p *Progress) Follow(ctx context.Context, bus Subscriber) <-chan struct{} {
	ch := bus.Subscribe("progress")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer bus.Unsubscribe("progress")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.observe(msg)
			}
		}
	}()
	return done
}

func (p *Progress) observe(msg domain.Lifecycle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch msg.Kind {
	case domain.LifecycleRunStarted:
		p.active++
		p.logger.Debug("run dispatched", zap.String("task_id", msg.TaskID), zap.Int("active", p.active))
	case domain.LifecycleRunSettled:
		p.active--
		p.settled++
		if msg.Status != domain.RunStatusSuccess {
			p.failed++
		}
		p.logger.Info("run settled",
			zap.String("task_id", msg.TaskID),
			zap.String("run_id", msg.RunID),
			zap.String("status", string(msg.Status)),
			zap.Int("settled", p.settled),
			zap.Int("active", p.active),
			zap.Int("failed", p.failed),
		)
	}
}

// Snapshot returns active, settled and failed counts.
func (p *Progress) Snapshot() (active, settled, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.settled, p.failed
}
