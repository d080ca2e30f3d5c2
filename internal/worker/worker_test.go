package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/progress"
	"github.com/JakeFAU/site-analyzer/internal/storage/memory"
)

type fakeQueue struct {
	ch chan analysis.QueueItem
}

func newFakeQueue(items ...analysis.QueueItem) *fakeQueue {
	q := &fakeQueue{ch: make(chan analysis.QueueItem, len(items)+1)}
	for _, it := range items {
		q.ch <- it
	}
	return q
}

func (q *fakeQueue) Enqueue(_ context.Context, item analysis.QueueItem) error {
	q.ch <- item
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (analysis.QueueItem, error) {
	select {
	case <-ctx.Done():
		return analysis.QueueItem{}, ctx.Err()
	case item := <-q.ch:
		return item, nil
	}
}

// recordingStore remembers every status written, in order.
type recordingStore struct {
	*memory.JobStore
	mu       sync.Mutex
	statuses []analysis.Status
}

func (s *recordingStore) UpdateJob(ctx context.Context, job analysis.Job, expected analysis.Status) error {
	if err := s.JobStore.UpdateJob(ctx, job, expected); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, job.Status)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) observed() []analysis.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []analysis.Status
	for _, st := range s.statuses {
		if len(out) == 0 || out[len(out)-1] != st {
			out = append(out, st)
		}
	}
	return out
}

type scanFunc func(ctx context.Context, url string) (analysis.RawContent, error)

func (f scanFunc) Scan(ctx context.Context, url string) (analysis.RawContent, error) { return f(ctx, url) }

type extractFunc func(ctx context.Context, raw analysis.RawContent) (analysis.StructuredContent, error)

func (f extractFunc) Extract(ctx context.Context, raw analysis.RawContent) (analysis.StructuredContent, error) {
	return f(ctx, raw)
}

type generateFunc func(ctx context.Context, c analysis.StructuredContent) (analysis.MarketingCopy, error)

func (f generateFunc) Generate(ctx context.Context, c analysis.StructuredContent) (analysis.MarketingCopy, error) {
	return f(ctx, c)
}

type publishFunc func(ctx context.Context, c analysis.MarketingCopy, a []analysis.ConnectedAccount) ([]analysis.PublishReceipt, error)

func (f publishFunc) Publish(ctx context.Context, c analysis.MarketingCopy, a []analysis.ConnectedAccount) ([]analysis.PublishReceipt, error) {
	return f(ctx, c, a)
}

type staticAccounts []analysis.ConnectedAccount

func (s staticAccounts) ConnectedAccounts(context.Context, string) ([]analysis.ConnectedAccount, error) {
	return s, nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now().UTC() }

type recordingAnnouncer struct {
	mu   sync.Mutex
	jobs []analysis.Job
}

func (r *recordingAnnouncer) Announce(_ context.Context, job analysis.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

func (r *recordingAnnouncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func happyExecutors() Executors {
	return Executors{
		Scanner: scanFunc(func(_ context.Context, url string) (analysis.RawContent, error) {
			return analysis.RawContent{URL: url, StatusCode: 200, Body: []byte("<title>Acme</title>"), Bytes: 19}, nil
		}),
		Extractor: extractFunc(func(_ context.Context, raw analysis.RawContent) (analysis.StructuredContent, error) {
			if len(raw.Body) == 0 {
				return analysis.StructuredContent{}, errors.New("body missing")
			}
			return analysis.StructuredContent{URL: raw.URL, Title: "Acme"}, nil
		}),
		Generator: generateFunc(func(_ context.Context, c analysis.StructuredContent) (analysis.MarketingCopy, error) {
			return analysis.MarketingCopy{Headline: c.Title + " launches", Posts: []analysis.SocialPost{{Platform: "x", Text: "hi"}}}, nil
		}),
		Publisher: publishFunc(func(_ context.Context, _ analysis.MarketingCopy, accounts []analysis.ConnectedAccount) ([]analysis.PublishReceipt, error) {
			out := make([]analysis.PublishReceipt, 0, len(accounts))
			for _, a := range accounts {
				out = append(out, analysis.PublishReceipt{AccountID: a.ID, Platform: a.Platform, Status: analysis.ReceiptPosted})
			}
			return out, nil
		}),
		Accounts: staticAccounts{{ID: "acct-1", OwnerID: "owner-1", Platform: "x"}},
	}
}

type harness struct {
	store     *recordingStore
	announcer *recordingAnnouncer
	worker    *Worker
	job       analysis.Job
}

func newHarness(t *testing.T, exec Executors, cfg Config) harness {
	t.Helper()
	store := &recordingStore{JobStore: memory.NewJobStore()}
	now := time.Now().UTC()
	job := analysis.Job{
		ID:             "job-1",
		OwnerID:        "owner-1",
		WebsiteURL:     "https://example.com",
		Status:         analysis.StatusPending,
		CreatedAt:      now,
		StageStartedAt: now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateJob(context.Background(), job))
	announcer := &recordingAnnouncer{}
	w := New(newFakeQueue(), store, exec, fakeClock{}, nil, announcer, cfg, zap.NewNop())
	return harness{store: store, announcer: announcer, worker: w, job: job}
}

func (h harness) process(t *testing.T) analysis.Job {
	t.Helper()
	h.worker.processJob(context.Background(), analysis.QueueItem{JobID: h.job.ID, OwnerID: h.job.OwnerID})
	job, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	return job
}

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, happyExecutors(), Config{})
	job := h.process(t)

	require.Equal(t, analysis.StatusCompleted, job.Status)
	require.Empty(t, job.Error)
	require.NotNil(t, job.FinishedAt)
	require.Equal(t, []analysis.Status{
		analysis.StatusScanning,
		analysis.StatusExtracting,
		analysis.StatusGenerating,
		analysis.StatusPublishing,
		analysis.StatusCompleted,
	}, h.store.observed())

	require.NotNil(t, job.Result.Scan)
	require.Nil(t, job.Result.Scan.Body, "raw body is never persisted")
	require.Equal(t, "Acme", job.Result.Content.Title)
	require.Equal(t, "Acme launches", job.Result.Copy.Headline)
	require.Len(t, job.Result.Receipts, 1)
	require.Equal(t, 1, h.announcer.count())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestWorker_ScanDoneEventCarriesByteCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, happyExecutors(), Config{})
	events := &recordingEmitter{}
	h.worker.emitter = events
	job := h.process(t)
	require.Equal(t, analysis.StatusCompleted, job.Status)

	var scanBytes int64 = -1
	for _, evt := range events.events {
		if evt.Kind == progress.KindStageDone && evt.Stage == analysis.StageScan {
			scanBytes = evt.Bytes
		}
		if evt.Kind == progress.KindStageDone && evt.Stage != analysis.StageScan {
			require.Zero(t, evt.Bytes, "only scan reports bytes")
		}
	}
	require.EqualValues(t, 19, scanBytes)
}

func TestWorker_RunConsumesQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, happyExecutors(), Config{})
	h.worker.queue = newFakeQueue(analysis.QueueItem{JobID: h.job.ID})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), h.job.ID)
		return err == nil && job.Status == analysis.StatusCompleted
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_ScanFailureLeavesEmptyResult(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	var extracted atomic.Bool
	exec.Scanner = scanFunc(func(context.Context, string) (analysis.RawContent, error) {
		return analysis.RawContent{}, errors.New("dial tcp: connection refused")
	})
	exec.Extractor = extractFunc(func(context.Context, analysis.RawContent) (analysis.StructuredContent, error) {
		extracted.Store(true)
		return analysis.StructuredContent{}, nil
	})
	h := newHarness(t, exec, Config{})
	job := h.process(t)

	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Equal(t, "scan stage: dial tcp: connection refused", job.Error)
	require.True(t, job.Result.Empty())
	require.False(t, extracted.Load(), "no stage runs after a failure")
	require.Equal(t, []analysis.Status{analysis.StatusScanning, analysis.StatusFailed}, h.store.observed())
	require.Equal(t, 1, h.announcer.count())
}

func TestWorker_GenerateTimeoutKeepsExtractOutput(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	release := make(chan struct{})
	defer close(release)
	// Ignores its context on purpose.
	exec.Generator = generateFunc(func(context.Context, analysis.StructuredContent) (analysis.MarketingCopy, error) {
		<-release
		return analysis.MarketingCopy{Headline: "too late"}, nil
	})
	h := newHarness(t, exec, Config{
		StageTimeout:  time.Second,
		StageTimeouts: map[analysis.Stage]time.Duration{analysis.StageGenerate: 30 * time.Millisecond},
	})

	start := time.Now()
	job := h.process(t)
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Contains(t, job.Error, "timeout")
	require.True(t, strings.HasPrefix(job.Error, "generate stage"))
	require.NotNil(t, job.Result.Content)
	require.Equal(t, "Acme", job.Result.Content.Title)
	require.Nil(t, job.Result.Copy)
}

func TestWorker_CancelDuringStageDiscardsOutput(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	entered := make(chan struct{})
	release := make(chan struct{})
	var extracted atomic.Bool
	exec.Scanner = scanFunc(func(_ context.Context, url string) (analysis.RawContent, error) {
		close(entered)
		<-release
		return analysis.RawContent{URL: url, Body: []byte("x")}, nil
	})
	exec.Extractor = extractFunc(func(context.Context, analysis.RawContent) (analysis.StructuredContent, error) {
		extracted.Store(true)
		return analysis.StructuredContent{}, nil
	})
	h := newHarness(t, exec, Config{})

	done := make(chan analysis.Job)
	go func() {
		h.worker.processJob(context.Background(), analysis.QueueItem{JobID: h.job.ID})
		job, _ := h.store.GetJob(context.Background(), h.job.ID)
		done <- job
	}()

	<-entered
	job, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.StatusScanning, job.Status)
	job.Status = analysis.StatusFailed
	job.Error = "cancelled"
	require.NoError(t, h.store.JobStore.UpdateJob(context.Background(), job, analysis.StatusScanning))
	close(release)

	final := <-done
	require.Equal(t, analysis.StatusFailed, final.Status)
	require.Equal(t, "cancelled", final.Error)
	require.True(t, final.Result.Empty())
	require.False(t, extracted.Load())
	require.Zero(t, h.announcer.count(), "the canceller announces, not the worker")
}

func TestWorker_SkipsJobsThatAreNotPending(t *testing.T) {
	t.Parallel()

	var scanned atomic.Bool
	exec := happyExecutors()
	exec.Scanner = scanFunc(func(context.Context, string) (analysis.RawContent, error) {
		scanned.Store(true)
		return analysis.RawContent{}, nil
	})
	h := newHarness(t, exec, Config{})
	job := h.job
	job.Status = analysis.StatusFailed
	job.Error = "cancelled"
	require.NoError(t, h.store.JobStore.UpdateJob(context.Background(), job, analysis.StatusPending))

	final := h.process(t)
	require.Equal(t, "cancelled", final.Error)
	require.False(t, scanned.Load())
}

func TestWorker_PublishFailureKeepsReceipts(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	exec.Publisher = publishFunc(func(context.Context, analysis.MarketingCopy, []analysis.ConnectedAccount) ([]analysis.PublishReceipt, error) {
		return []analysis.PublishReceipt{{AccountID: "acct-1", Status: analysis.ReceiptFailed, Error: "401"}},
			errors.New("all 1 accounts failed")
	})
	h := newHarness(t, exec, Config{})
	job := h.process(t)

	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Contains(t, job.Error, "publish stage")
	require.Len(t, job.Result.Receipts, 1)
	require.NotNil(t, job.Result.Copy, "earlier outputs are never removed")
}

func TestWorker_ExecutorPanicFailsJob(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	exec.Extractor = extractFunc(func(context.Context, analysis.RawContent) (analysis.StructuredContent, error) {
		panic("nil map")
	})
	h := newHarness(t, exec, Config{})
	job := h.process(t)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Contains(t, job.Error, "executor panic: nil map")
	require.NotNil(t, job.Result.Scan)
}

func TestWorker_MissingExecutorFailsStage(t *testing.T) {
	t.Parallel()

	exec := happyExecutors()
	exec.Publisher = nil
	h := newHarness(t, exec, Config{})
	job := h.process(t)
	require.Equal(t, analysis.StatusFailed, job.Status)
	require.Equal(t, "publish stage: no publisher configured", job.Error)
}

func TestConfigTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{StageTimeout: time.Minute, StageTimeouts: map[analysis.Stage]time.Duration{analysis.StageScan: 5 * time.Second}}
	require.Equal(t, 5*time.Second, cfg.Timeout(analysis.StageScan))
	require.Equal(t, time.Minute, cfg.Timeout(analysis.StagePublish))
	require.Equal(t, defaultStageTimeout, Config{}.Timeout(analysis.StageScan))
}
