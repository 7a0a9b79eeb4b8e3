package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/recall/internal/faults"
	"github.com/haasonsaas/recall/internal/payloads"
)

// fakeProcessor scripts per-conversation failures.
type fakeProcessor struct {
	mu        sync.Mutex
	failTimes map[string]int // fail the first N attempts
	failWith  error          // error returned for scripted failures
	processed map[string]int
	calls     map[string][]time.Time
	abandoned map[string]int
	done      chan string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		failTimes: map[string]int{},
		processed: map[string]int{},
		calls:     map[string][]time.Time{},
		abandoned: map[string]int{},
		done:      make(chan string, 64),
	}
}

func (f *fakeProcessor) Process(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	f.processed[conversationID]++
	f.calls[conversationID] = append(f.calls[conversationID], time.Now())
	attempts := f.processed[conversationID]
	fail := attempts <= f.failTimes[conversationID]
	failWith := f.failWith
	f.mu.Unlock()
	if fail {
		if failWith != nil {
			return failWith
		}
		return faults.New(faults.UpstreamUnavailable, "transient")
	}
	f.done <- conversationID
	return nil
}

func (f *fakeProcessor) Abandon(ctx context.Context, conversationID string, err error) {
	f.mu.Lock()
	f.abandoned[conversationID]++
	f.mu.Unlock()
	f.done <- conversationID
}

func (f *fakeProcessor) attempts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[id]
}

func (f *fakeProcessor) callTimes(id string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls[id]...)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("finished %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSchedulerProcessesJobs(t *testing.T) {
	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 2, QueueCapacity: 10}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")
	if proc.attempts("conv-1") != 1 {
		t.Errorf("attempts = %d", proc.attempts("conv-1"))
	}
}

func TestSchedulerQueueOverflow(t *testing.T) {
	proc := newFakeProcessor()
	// No Start: nothing consumes the queue.
	s := New(proc, Config{Workers: 1, QueueCapacity: 3}, nil, nil)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Job{ConversationID: "conv"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	err := s.Enqueue(Job{ConversationID: "overflow"})
	if !faults.Is(err, faults.QueueOverflow) {
		t.Fatalf("err = %v, want QueueOverflow", err)
	}
	if s.Depth() != 3 {
		t.Errorf("depth = %d", s.Depth())
	}
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	proc := newFakeProcessor()
	proc.failTimes["conv-1"] = 2

	s := New(proc, Config{
		Workers:       1,
		QueueCapacity: 10,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")
	if got := proc.attempts("conv-1"); got != 3 {
		t.Errorf("attempts = %d, want 3 (two retries)", got)
	}
	if proc.abandoned["conv-1"] != 0 {
		t.Error("job abandoned despite eventual success")
	}
}

func TestSchedulerRetryDelaysFollowSchedule(t *testing.T) {
	proc := newFakeProcessor()
	proc.failTimes["conv-1"] = 2

	s := New(proc, Config{
		Workers:       1,
		QueueCapacity: 10,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{10 * time.Millisecond, time.Second},
	}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")

	calls := proc.callTimes("conv-1")
	if len(calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(calls))
	}
	// The second retry must wait out the second schedule slot, not reuse
	// the first.
	if gap := calls[2].Sub(calls[1]); gap < time.Second {
		t.Errorf("delay before second retry = %v, want >= 1s", gap)
	}
	if gap := calls[1].Sub(calls[0]); gap >= time.Second {
		t.Errorf("delay before first retry = %v, want the 10ms slot", gap)
	}
}

func TestSchedulerDoesNotRetryDeterministicFailure(t *testing.T) {
	proc := newFakeProcessor()
	proc.failTimes["conv-1"] = 100
	proc.failWith = faults.New(faults.InvalidLLMOutput, "schema violation after re-prompt")

	s := New(proc, Config{
		Workers:       1,
		QueueCapacity: 10,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")
	if got := proc.attempts("conv-1"); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retries)", got)
	}
	proc.mu.Lock()
	abandoned := proc.abandoned["conv-1"]
	proc.mu.Unlock()
	if abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", abandoned)
	}
}

func TestSchedulerAbandonsAfterMaxAttempts(t *testing.T) {
	proc := newFakeProcessor()
	proc.failTimes["conv-1"] = 100

	s := New(proc, Config{
		Workers:       1,
		QueueCapacity: 10,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{time.Millisecond, time.Millisecond},
	}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")
	if got := proc.attempts("conv-1"); got != 3 {
		t.Errorf("attempts = %d, want exactly MaxAttempts", got)
	}
	proc.mu.Lock()
	abandoned := proc.abandoned["conv-1"]
	proc.mu.Unlock()
	if abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", abandoned)
	}
}

func TestSchedulerStopFinishesInFlight(t *testing.T) {
	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 2, QueueCapacity: 10}, nil, nil)
	s.Start(context.Background())

	if err := s.Enqueue(Job{ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, proc.done, "conv-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Enqueue(Job{ConversationID: "late"}); !faults.Is(err, faults.QueueOverflow) {
		t.Errorf("enqueue after stop = %v", err)
	}
}

func TestSweepRequeuesDeferredPayloads(t *testing.T) {
	archive, err := payloads.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.ArchiveTranscription("conv-1", []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv-1"}}`)); err != nil {
		t.Fatal(err)
	}
	if err := archive.WriteState("conv-1", payloads.ExtractionState{Status: payloads.StateDeferred}); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 1, QueueCapacity: 10}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	n, err := Sweep(context.Background(), archive, s, payloads.Recovery{}, nil)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d", n)
	}
	waitFor(t, proc.done, "conv-1")
}

func TestSweepLeavesDeferredWhenQueueFull(t *testing.T) {
	archive, err := payloads.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.ArchiveTranscription("conv-1", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := archive.WriteState("conv-1", payloads.ExtractionState{Status: payloads.StateDeferred}); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 1, QueueCapacity: 1}, nil, nil)
	// Fill the queue without starting workers.
	if err := s.Enqueue(Job{ConversationID: "blocker"}); err != nil {
		t.Fatal(err)
	}

	n, err := Sweep(context.Background(), archive, s, payloads.Recovery{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("requeued = %d, want 0", n)
	}
	state, err := archive.ReadState("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != payloads.StateDeferred {
		t.Errorf("state = %s, want deferred", state.Status)
	}
}

func TestSweepLeavesFailedForManualRecovery(t *testing.T) {
	archive, err := payloads.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.ArchiveTranscription("conv-1", []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv-1"}}`)); err != nil {
		t.Fatal(err)
	}
	if err := archive.WriteState("conv-1", payloads.ExtractionState{Status: payloads.StateFailed, Attempts: 3}); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 1, QueueCapacity: 10}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	// The automatic sweep must not resurrect an abandoned job.
	n, err := Sweep(context.Background(), archive, s, payloads.Recovery{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("automatic sweep requeued %d failed jobs, want 0", n)
	}

	// The operator-driven sweep does.
	n, err = Sweep(context.Background(), archive, s, payloads.Recovery{IncludeFailed: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("manual sweep requeued = %d, want 1", n)
	}
	waitFor(t, proc.done, "conv-1")
}

func TestSweepSkipsFreshRunningState(t *testing.T) {
	archive, err := payloads.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := archive.ArchiveTranscription("conv-1", []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv-1"}}`)); err != nil {
		t.Fatal(err)
	}
	if err := archive.WriteState("conv-1", payloads.ExtractionState{Status: payloads.StateRunning}); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	s := New(proc, Config{Workers: 1, QueueCapacity: 10}, nil, nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	// Periodic sweep: a running state younger than the threshold is an
	// extraction still in flight, not an orphan.
	n, err := Sweep(context.Background(), archive, s, payloads.Recovery{StaleRunning: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("requeued %d in-flight jobs, want 0", n)
	}

	// Startup sweep: nothing can be in flight, every running state is an
	// orphan.
	n, err = Sweep(context.Background(), archive, s, payloads.Recovery{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("startup sweep requeued = %d, want 1", n)
	}
	waitFor(t, proc.done, "conv-1")
}
