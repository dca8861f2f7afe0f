// internal/store/recorder.go
// Recorder streams host results of one run into the store

package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aspnmy/netrecon/internal/models"
	"github.com/aspnmy/netrecon/pkg/logger"
)

// Recorder is an output formatter backed by a run in the store
type Recorder struct {
	store   *Store
	runID   string
	timeout time.Duration
	scanCtx context.Context
	log     *zap.Logger

	mu       sync.Mutex
	recorded int64
	dropped  int64
	failed   int64
}

// NewRecorder records into an existing run
func NewRecorder(s *Store, runID string) *Recorder {
	return &Recorder{
		store:   s,
		runID:   runID,
		timeout: 10 * time.Second,
		log:     logger.Named("store").With(zap.String("run_id", runID)),
	}
}

// StartRun begins a new run and returns a recorder for it
func StartRun(ctx context.Context, s *Store, meta RunMeta) (*Recorder, error) {
	id, err := s.BeginRun(ctx, meta)
	if err != nil {
		return nil, err
	}
	r := NewRecorder(s, id)
	r.log.Info("run started", zap.Int("targets", len(meta.Targets)))
	return r, nil
}

// ResumeRun reopens runID and returns a recorder plus the run's targets that
// still need scanning.
func ResumeRun(ctx context.Context, s *Store, runID string) (*Recorder, *RunInfo, []string, error) {
	info, err := s.ReopenRun(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	done, err := s.CompletedTargets(ctx, runID)
	if err != nil {
		return nil, nil, nil, err
	}

	r := NewRecorder(s, runID)
	r.log.Info("run resumed",
		zap.Int("targets", len(info.Targets)),
		zap.Int("already_done", len(done)),
	)
	return r, info, done, nil
}

// RunID returns the ID of the run being recorded
func (r *Recorder) RunID() string {
	return r.runID
}

// DropAfterCancel stops recording once scanCtx is done. Hosts that finish after
// an interrupt may have unprobed ports, so they are left for a resume to rescan.
func (r *Recorder) DropAfterCancel(scanCtx context.Context) *Recorder {
	r.scanCtx = scanCtx
	return r
}

// Write stores one host. The write itself uses its own timeout so it is not
// cut short by the scan context.
func (r *Recorder) Write(result *models.ScanResult) error {
	if r.scanCtx != nil && r.scanCtx.Err() != nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Debug("not recording host finished after interrupt", zap.String("target", result.Target))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.store.RecordHost(ctx, r.runID, result)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		r.log.Error("failed to record host", zap.String("target", result.Target), zap.Error(err))
		_ = r.store.AddError(ctx, r.runID, "host:"+result.Target, "record_failed", err.Error())
		return err
	}
	r.recorded++
	return nil
}

// Flush is a no-op; every Write commits
func (r *Recorder) Flush() error {
	return nil
}

// Close is a no-op; the store is closed by its owner after Finish
func (r *Recorder) Close() error {
	return nil
}

// Finish marks the run interrupted when the scan was cut short, failed when
// some hosts could not be recorded, and completed otherwise.
func (r *Recorder) Finish(interrupted bool) error {
	r.mu.Lock()
	failed := r.failed
	r.mu.Unlock()

	status := StatusCompleted
	switch {
	case interrupted:
		status = StatusInterrupted
	case failed > 0:
		status = StatusFailed
	}
	return r.finish(status)
}

// Fail records cause against the run and marks it failed
func (r *Recorder) Fail(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if cause != nil {
		if err := r.store.AddError(ctx, r.runID, "run", "run_failed", cause.Error()); err != nil {
			r.log.Warn("failed to record run error", zap.Error(err))
		}
	}
	return r.finish(StatusFailed)
}

func (r *Recorder) finish(status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.FinishRun(ctx, r.runID, status); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Info("run finished",
		zap.String("status", status),
		zap.Int64("recorded", r.recorded),
		zap.Int64("dropped", r.dropped),
		zap.Int64("failed", r.failed),
	)
	return nil
}
