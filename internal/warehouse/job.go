package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
)

// JobState is the lifecycle state of a load job.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
)

// JobStatus is a snapshot of a load job. Err is set when a DONE job failed.
type JobStatus struct {
	ID         string
	State      JobState
	OutputRows int64
	Err        error
	Created    time.Time
	Ended      time.Time
}

// Job is a handle on a submitted load job.
type Job interface {
	ID() string
	Status(ctx context.Context) (JobStatus, error)
}

// doner is implemented by jobs that signal completion, letting Wait return
// without waiting for the next poll.
type doner interface {
	Done() <-chan struct{}
}

// Wait polls job every poll interval until it is DONE or ctx ends. A
// deadline on ctx yields a JOB_TIMEOUT error; the job itself keeps running
// and may still commit.
func Wait(ctx context.Context, job Job, poll time.Duration) (JobStatus, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var done <-chan struct{}
	if d, ok := job.(doner); ok {
		done = d.Done()
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last JobStatus
	for {
		st, err := job.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, waitError(ctx, job, last)
			}
			return last, err
		}
		last = st
		if st.State == JobDone {
			return st, st.Err
		}

		select {
		case <-ctx.Done():
			return last, waitError(ctx, job, last)
		case <-ticker.C:
		case <-done:
		}
	}
}

func waitError(ctx context.Context, job Job, last JobStatus) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	state := last.State
	if state == "" {
		state = JobPending
	}
	return apperrors.NewWarehouseError(apperrors.CodeJobTimeout,
		fmt.Sprintf("job %s still %s at deadline", job.ID(), state), ctx.Err()).
		WithDetails(map[string]interface{}{"job_id": job.ID()})
}

// loadJob is the in-process job tracked by SQLClient.
type loadJob struct {
	mu     sync.Mutex
	status JobStatus
	done   chan struct{}
}

func newLoadJob(id string, now time.Time) *loadJob {
	return &loadJob{
		status: JobStatus{ID: id, State: JobPending, Created: now},
		done:   make(chan struct{}),
	}
}

func (j *loadJob) ID() string { return j.status.ID }

func (j *loadJob) Status(ctx context.Context) (JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return JobStatus{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, nil
}

// Done is closed once the job reaches DONE.
func (j *loadJob) Done() <-chan struct{} { return j.done }

func (j *loadJob) start() {
	j.mu.Lock()
	j.status.State = JobRunning
	j.mu.Unlock()
}

func (j *loadJob) finish(rows int64, err error, now time.Time) {
	j.mu.Lock()
	j.status.State = JobDone
	j.status.OutputRows = rows
	j.status.Err = err
	j.status.Ended = now
	j.mu.Unlock()
	close(j.done)
}
