package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/relaytask/internal/scheduler"
)

func TestSchedule_DueAfterRunAt(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	jobPast, err := store.Schedule("past", past, map[string]any{}, "")
	if err != nil {
		t.Fatalf("schedule past job: %v", err)
	}
	if _, err := store.Schedule("future", future, map[string]any{}, ""); err != nil {
		t.Fatalf("schedule future job: %v", err)
	}

	due := store.Due(time.Now())
	if len(due) != 1 || due[0].JobID != jobPast.JobID {
		t.Fatalf("expected only the past job to be due, got %+v", due)
	}
}

func TestMarkCompleted_OneShotSetsCompletedAt(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	job, err := store.Schedule("one-shot", time.Now().Add(-time.Second), nil, "")
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}
	if err := store.MarkCompleted(job.JobID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	due := store.Due(time.Now().Add(time.Hour))
	for _, j := range due {
		if j.JobID == job.JobID {
			t.Fatalf("expected completed one-shot job to no longer be due")
		}
	}
}

func TestMarkCompleted_CronAdvancesRunAt(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	job, err := store.Schedule("cron-job", time.Now().Add(-time.Minute), nil, "*/5 * * * *")
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}
	if err := store.MarkCompleted(job.JobID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	due := store.Due(time.Now())
	for _, j := range due {
		if j.JobID == job.JobID {
			t.Fatalf("expected cron job's run_at to advance past now")
		}
	}
}

func TestCancel_IsIdempotentAndExcludesFromDue(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	job, err := store.Schedule("cancel-me", time.Now().Add(-time.Second), nil, "")
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}
	if err := store.Cancel(job.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Cancel(job.JobID); err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	for _, j := range store.Due(time.Now()) {
		if j.JobID == job.JobID {
			t.Fatalf("expected cancelled job to be excluded from due list")
		}
	}
}

func TestValidateCron(t *testing.T) {
	if err := scheduler.ValidateCron("*/5 * * * *"); err != nil {
		t.Fatalf("expected valid cron expression to pass: %v", err)
	}
	if err := scheduler.ValidateCron("not a cron expr"); err == nil {
		t.Fatalf("expected invalid cron expression to fail")
	}
}

func TestValidatePayload_RequiredFields(t *testing.T) {
	if errs := scheduler.ValidatePayload(scheduler.PayloadSupervisorCheck, map[string]any{}); len(errs) == 0 {
		t.Fatalf("expected missing task_id to be flagged")
	}
	if errs := scheduler.ValidatePayload(scheduler.PayloadSupervisorCheck, map[string]any{"task_id": "t1"}); len(errs) != 0 {
		t.Fatalf("expected valid supervisor_check payload, got %v", errs)
	}
	if errs := scheduler.ValidatePayload(scheduler.PayloadDeliverable, map[string]any{"channel": "teams", "prompt": "hi", "target": "x"}); len(errs) == 0 {
		t.Fatalf("expected teams deliverable missing service_url to be flagged")
	}
}

type recordingDeliverer struct {
	mu  sync.Mutex
	got []scheduler.Job
	err error
}

func (d *recordingDeliverer) Deliver(_ context.Context, job scheduler.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, job)
	return d.err
}

func TestDispatcher_DeliversDueJobAndMarksComplete(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := store.Schedule("ping", time.Now().Add(-time.Second), nil, ""); err != nil {
		t.Fatalf("schedule job: %v", err)
	}

	deliverer := &recordingDeliverer{}
	d := scheduler.NewDispatcher(scheduler.Config{
		Store:     store,
		Deliverer: deliverer,
		Interval:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for {
		deliverer.mu.Lock()
		n := len(deliverer.got)
		deliverer.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	d.Stop()

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if len(deliverer.got) == 0 {
		t.Fatalf("expected dispatcher to deliver the due job")
	}
}

func TestDispatcher_FailedDeliveryDoesNotMarkComplete(t *testing.T) {
	store, err := scheduler.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	job, err := store.Schedule("will-fail", time.Now().Add(-time.Second), nil, "")
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}

	deliverer := &recordingDeliverer{err: errors.New("boom")}
	d := scheduler.NewDispatcher(scheduler.Config{Store: store, Deliverer: deliverer, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	d.Stop()

	due := store.Due(time.Now())
	found := false
	for _, j := range due {
		if j.JobID == job.JobID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job with failed delivery to remain due")
	}
}
