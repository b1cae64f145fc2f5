package issue

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
)

// Stage is the progress of an anonymous issue.
type Stage int32

const (
	StageGeneratingProof Stage = iota
	StagePublishing
	StageDone
	StageFailed
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageGeneratingProof:
		return "generating-proof"
	case StagePublishing:
		return "publishing"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the stage name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Job tracks an anonymous issue through proving and publishing.
type Job struct {
	task *proof.Task

	mu    sync.Mutex
	stage Stage
	event *nostr.Event
	err   error
	done  chan struct{}
}

func newJob(task *proof.Task) *Job {
	return &Job{
		task:  task,
		stage: StageGeneratingProof,
		done:  make(chan struct{}),
	}
}

// run waits for the proof and hands it to publish.
func (j *Job) run(publish func(*proof.Proof) (*nostr.Event, error)) {
	defer close(j.done)

	p, err := j.task.Wait(context.Background())
	if err != nil {
		j.finish(nil, err)
		return
	}

	j.setStage(StagePublishing)

	ev, err := publish(p)
	j.finish(ev, err)
}

func (j *Job) setStage(s Stage) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stage = s
}

func (j *Job) finish(ev *nostr.Event, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.event, j.err = ev, err

	if err != nil {
		j.stage = StageFailed
		logger.Warn("anonymous attestation failed", "error", err)
		return
	}

	j.stage = StageDone
	logger.Info("anonymous attestation issued", "id", logger.Short(ev.ID))
}

// Stage returns the current stage.
func (j *Job) Stage() Stage {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.stage
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel stops proving. Once publishing started it has no effect.
func (j *Job) Cancel() {
	j.task.Cancel()
}

// Wait blocks until the job finishes or ctx ends and returns the published
// record.
func (j *Job) Wait(ctx context.Context) (*nostr.Event, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.event, j.err
}
