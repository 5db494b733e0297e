package manager

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/corralhq/corral/internal/broker"
	"github.com/corralhq/corral/internal/common/logger"
	v1 "github.com/corralhq/corral/pkg/api/v1"
)

// Reaper periodically pauses idle workers, expires workers past their TTL,
// and garbage-collects cached images nothing has used recently.
type Reaper struct {
	manager *Manager
	logger  *logger.Logger
}

// NewReaper creates a reaper bound to a manager.
func NewReaper(m *Manager) *Reaper {
	return &Reaper{
		manager: m,
		logger:  m.logger.WithFields(zap.String("component", "reaper")),
	}
}

// Run ticks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.manager.cfg.Manager.ReaperInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return nil
		case <-ticker.C:
			r.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one reaper pass. Exposed for tests.
func (r *Reaper) Tick(ctx context.Context, now time.Time) {
	r.resumeBacklogged(ctx)
	r.pauseIdle(ctx, now)
	r.expireWorkers(ctx, now)
	r.collectImages(ctx, now)
}

// resumeBacklogged unfreezes paused workers whose input stream holds
// undelivered tasks. The in-container wrapper is frozen while paused, so
// work pushed to a paused worker would otherwise sit until the TTL kills it.
func (r *Reaper) resumeBacklogged(ctx context.Context) {
	for _, id := range r.candidates(func(w workerView) bool {
		return w.State == v1.WorkerStatePaused
	}) {
		lag, err := r.manager.broker.GroupLag(ctx,
			r.manager.streams.Input(id), r.manager.streams.InputGroup(id))
		if err != nil {
			r.logger.Warn("failed to read input backlog",
				zap.String("worker_id", id), zap.Error(err))
			continue
		}
		if lag == 0 {
			continue
		}
		r.logger.Info("resuming paused worker with queued tasks",
			zap.String("worker_id", id), zap.Int64("backlog", lag))
		if err := r.manager.ResumeWorker(ctx, id); err != nil {
			r.logger.Warn("failed to resume backlogged worker",
				zap.String("worker_id", id), zap.Error(err))
		}
	}
}

// pauseIdle freezes running workers that have been inactive past the idle
// threshold. Paused workers cost no CPU but keep their filesystem and
// session state.
func (r *Reaper) pauseIdle(ctx context.Context, now time.Time) {
	threshold := r.manager.cfg.Manager.IdleThreshold()

	for _, id := range r.candidates(func(w workerView) bool {
		return w.State == v1.WorkerStateRunning && w.idleSince(now, threshold)
	}) {
		r.logger.Info("pausing idle worker", zap.String("worker_id", id))
		if err := r.manager.PauseWorker(ctx, id); err != nil {
			r.logger.Warn("failed to pause idle worker",
				zap.String("worker_id", id), zap.Error(err))
		}
	}
}

// expireWorkers removes workers whose absolute lifetime elapsed, regardless
// of activity.
func (r *Reaper) expireWorkers(ctx context.Context, now time.Time) {
	for _, id := range r.candidates(func(w workerView) bool {
		return !w.State.Terminal() && w.expired(now)
	}) {
		r.logger.Info("expiring worker past TTL", zap.String("worker_id", id))

		r.manager.mu.Lock()
		if w, ok := r.manager.workers[id]; ok {
			_ = w.Transition(v1.WorkerStateExpired)
		}
		r.manager.mu.Unlock()

		if err := r.manager.DeleteWorker(ctx, id); err != nil {
			r.logger.Warn("failed to remove expired worker",
				zap.String("worker_id", id), zap.Error(err))
		}
	}
}

// collectImages removes cached images whose last use is older than the
// retention window. Images backing live workers are never collected.
func (r *Reaper) collectImages(ctx context.Context, now time.Time) {
	retention := r.manager.cfg.Manager.ImageRetention()
	if retention <= 0 {
		return
	}

	images, err := r.manager.runtime.ListImagesByPrefix(ctx, r.manager.cfg.Manager.ImagePrefix)
	if err != nil {
		r.logger.Warn("failed to list cached images", zap.Error(err))
		return
	}

	inUse := r.imagesInUse()

	for _, img := range images {
		for _, tag := range img.Tags {
			if !strings.HasPrefix(tag, r.manager.cfg.Manager.ImagePrefix+":") {
				continue
			}
			if inUse[tag] {
				continue
			}
			if r.lastUsed(ctx, tag).Add(retention).After(now) {
				continue
			}
			r.logger.Info("removing stale image", zap.String("tag", tag))
			if err := r.manager.runtime.RemoveImage(ctx, tag); err != nil {
				r.logger.Warn("failed to remove image",
					zap.String("tag", tag), zap.Error(err))
				continue
			}
			_ = r.manager.broker.Delete(ctx, r.manager.streams.ImageLastUsed(tag))
		}
	}
}

// lastUsed reads the image's LRU timestamp; a missing or unparseable key
// counts as never used so stale untracked tags still age out.
func (r *Reaper) lastUsed(ctx context.Context, tag string) time.Time {
	val, err := r.manager.broker.Get(ctx, r.manager.streams.ImageLastUsed(tag))
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			r.logger.Debug("failed to read image last-used key",
				zap.String("tag", tag), zap.Error(err))
		}
		return time.Time{}
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (r *Reaper) imagesInUse() map[string]bool {
	r.manager.mu.RLock()
	defer r.manager.mu.RUnlock()

	inUse := make(map[string]bool)
	for _, w := range r.manager.workers {
		if !w.State.Terminal() && w.ImageTag != "" {
			inUse[w.ImageTag] = true
		}
	}
	return inUse
}

// workerView is the snapshot the reaper filters on without holding the
// manager lock during container operations.
type workerView struct {
	ID           string
	State        v1.WorkerState
	CreatedAt    time.Time
	LastActiveAt time.Time
	TTL          time.Duration
}

func (w workerView) expired(now time.Time) bool {
	return now.Sub(w.CreatedAt) > w.TTL
}

func (w workerView) idleSince(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastActiveAt) > threshold
}

func (r *Reaper) candidates(match func(workerView) bool) []string {
	r.manager.mu.RLock()
	defer r.manager.mu.RUnlock()

	var ids []string
	for _, w := range r.manager.workers {
		view := workerView{
			ID:           w.ID,
			State:        w.State,
			CreatedAt:    w.CreatedAt,
			LastActiveAt: w.LastActiveAt,
			TTL:          w.TTL,
		}
		if match(view) {
			ids = append(ids, w.ID)
		}
	}
	return ids
}
