package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/substratehq/substrate"
	"github.com/substratehq/substrate/engine"
	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
	"github.com/substratehq/substrate/monitor"
	"github.com/substratehq/substrate/queue"
	"github.com/substratehq/substrate/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProbe lets tests steer the resource readings.
type fakeProbe struct {
	mu  sync.Mutex
	cpu float64
	ram float64
}

func (p *fakeProbe) set(cpu, ram float64) {
	p.mu.Lock()
	p.cpu, p.ram = cpu, ram
	p.mu.Unlock()
}

func (p *fakeProbe) probe(_ context.Context) (float64, float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu, p.ram, 64, nil
}

func testConfig(poolSize int) substrate.Config {
	cfg := substrate.DefaultConfig()
	cfg.PoolSize = poolSize
	cfg.MinWorkers = 1
	cfg.MaxWorkers = poolSize
	cfg.SampleInterval = 20 * time.Millisecond
	cfg.IdlePoll = 10 * time.Millisecond
	cfg.OrphanGrace = 100 * time.Millisecond
	cfg.DegradeAfterSamples = 2
	cfg.RestartDelay = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.SweepSchedule = "@every 1h"
	return cfg
}

// startEngine builds an engine with a steerable probe and starts it.
func startEngine(t *testing.T, poolSize int, opts ...engine.Option) (*engine.Engine, *fakeProbe) {
	t.Helper()
	logger := testLogger()
	cfg := testConfig(poolSize)
	probe := &fakeProbe{cpu: 10, ram: 20}

	mon := monitor.New(logger,
		monitor.WithSampleInterval(cfg.SampleInterval),
		monitor.WithThresholds(cfg.WarningThreshold, cfg.CriticalThreshold, cfg.DangerThreshold),
		monitor.WithWorkerBounds(cfg.MinWorkers, cfg.MaxWorkers),
		monitor.WithProbe(probe.probe),
	)

	allOpts := append([]engine.Option{
		engine.WithConfig(cfg),
		engine.WithMonitor(mon),
	}, opts...)
	eng := engine.New(logger, allOpts...)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng, probe
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, eng *engine.Engine, j job.Job) job.Job {
	t.Helper()
	var final job.Job
	waitFor(t, 5*time.Second, "job "+j.ID.String()+" to finish", func() bool {
		got, err := eng.Status(j.ID)
		if err != nil {
			return false
		}
		final = got
		return got.State.IsTerminal()
	})
	return final
}

func TestSubmitRunsToCompletion(t *testing.T) {
	eng, _ := startEngine(t, 2)

	j, err := eng.Submit(context.Background(), "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			progress.Report(50, "halfway")
			return 42, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if j.State != job.StateQueued {
		t.Errorf("submitted state = %s, want queued", j.State)
	}

	final := waitTerminal(t, eng, j)
	if final.State != job.StateSucceeded {
		t.Fatalf("state = %s (reason %q), want succeeded", final.State, final.Reason)
	}
	if final.Percent != 100 {
		t.Errorf("percent = %v, want 100", final.Percent)
	}
	if final.Result != 42 {
		t.Errorf("result = %v, want 42", final.Result)
	}
}

func TestSubmitValidation(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, "render", nil); !errors.Is(err, substrate.ErrNilTask) {
		t.Errorf("nil task error = %v", err)
	}

	task := func(ctx context.Context, progress job.Progress) (job.Result, error) { return nil, nil }
	if _, err := eng.Submit(ctx, "render", task, engine.WithPriority(job.Priority(9))); !errors.Is(err, substrate.ErrInvalidPriority) {
		t.Errorf("invalid priority error = %v", err)
	}
}

func TestSubmitAfterStopReturnsNotRunning(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	task := func(ctx context.Context, progress job.Progress) (job.Result, error) { return nil, nil }
	if _, err := eng.Submit(context.Background(), "render", task); !errors.Is(err, substrate.ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestPriorityOrderWithFIFOWithinClass(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var startOrder []string

	gate := make(chan struct{})
	plug, err := eng.Submit(ctx, "plug",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			<-gate
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit plug: %v", err)
	}

	// Wait until the plug occupies the single worker, then queue the rest.
	waitFor(t, 2*time.Second, "plug to start", func() bool {
		got, _ := eng.Status(plug.ID)
		return got.State == job.StateRunning
	})

	submit := func(name string, p job.Priority) job.Job {
		j, submitErr := eng.Submit(ctx, name,
			func(ctx context.Context, progress job.Progress) (job.Result, error) {
				mu.Lock()
				startOrder = append(startOrder, name)
				mu.Unlock()
				return nil, nil
			}, engine.WithPriority(p))
		if submitErr != nil {
			t.Fatalf("submit %s: %v", name, submitErr)
		}
		return j
	}

	submit("low-1", job.PriorityLow)
	jobs := []job.Job{
		submit("high-1", job.PriorityHigh),
		submit("normal-1", job.PriorityNormal),
		submit("high-2", job.PriorityHigh),
		submit("low-2", job.PriorityLow),
	}
	close(gate)

	for _, j := range jobs {
		waitTerminal(t, eng, j)
	}
	waitFor(t, 5*time.Second, "all jobs to start", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(startOrder) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "normal-1", "low-1", "low-2"}
	for i, name := range want {
		if startOrder[i] != name {
			t.Fatalf("start order = %v, want %v", startOrder, want)
		}
	}
}

func TestMixedWorkloadDrainsQueue(t *testing.T) {
	eng, _ := startEngine(t, 2)
	ctx := context.Background()

	priorities := []job.Priority{
		job.PriorityLow, job.PriorityHigh, job.PriorityNormal, job.PriorityHigh,
		job.PriorityLow, job.PriorityNormal, job.PriorityHigh, job.PriorityLow,
		job.PriorityNormal, job.PriorityHigh,
	}

	var jobs []job.Job
	for _, p := range priorities {
		j, err := eng.Submit(ctx, "batch",
			func(ctx context.Context, progress job.Progress) (job.Result, error) {
				time.Sleep(5 * time.Millisecond)
				return nil, nil
			}, engine.WithPriority(p))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, j)
	}

	for _, j := range jobs {
		final := waitTerminal(t, eng, j)
		if final.State != job.StateSucceeded {
			t.Errorf("job %s state = %s, want succeeded", j.ID, final.State)
		}
	}

	waitFor(t, 2*time.Second, "queue to drain", func() bool {
		h := eng.Health()
		return h.QueueDepth == 0 && h.ActiveWorkers == 0 && h.JobsRunning == 0
	})
}

func TestAdmissionGateUnderPressure(t *testing.T) {
	eng, probe := startEngine(t, 1)
	ctx := context.Background()

	// Drive the host critical and let the monitor observe it.
	probe.set(95, 40)
	waitFor(t, 2*time.Second, "monitor to see pressure", func() bool {
		return !eng.Health().AdmissionOpen
	})

	j, err := eng.Submit(ctx, "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The job must hold in the queue while pressure lasts.
	time.Sleep(150 * time.Millisecond)
	got, err := eng.Status(j.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.State != job.StateQueued {
		t.Fatalf("state under pressure = %s, want queued", got.State)
	}

	// Release pressure; the held job runs without resubmission.
	probe.set(10, 20)
	final := waitTerminal(t, eng, j)
	if final.State != job.StateSucceeded {
		t.Errorf("state after pressure cleared = %s, want succeeded", final.State)
	}
}

func TestDegradationLowersBusyLimit(t *testing.T) {
	eng, probe := startEngine(t, 4)

	probe.set(96, 50)
	waitFor(t, 3*time.Second, "busy limit to degrade", func() bool {
		return eng.Health().BusyLimit == 1
	})

	probe.set(10, 20)
	waitFor(t, 3*time.Second, "busy limit to restore", func() bool {
		return eng.Health().BusyLimit == 4
	})
}

func TestCancelQueuedJob(t *testing.T) {
	eng, probe := startEngine(t, 1)
	ctx := context.Background()

	// Gate admission so the job cannot start.
	probe.set(95, 40)
	waitFor(t, 2*time.Second, "admission to close", func() bool {
		return !eng.Health().AdmissionOpen
	})

	j, err := eng.Submit(ctx, "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			t.Error("cancelled job must not run")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	snap, err := eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if snap.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}

	// Second cancel reports the terminal state.
	if _, err := eng.Cancel(ctx, j.ID); !errors.Is(err, substrate.ErrTerminalState) {
		t.Errorf("second cancel error = %v, want ErrTerminalState", err)
	}

	// Even with admission open again, the job must not start.
	probe.set(10, 20)
	time.Sleep(100 * time.Millisecond)
	got, _ := eng.Status(j.ID)
	if got.State != job.StateCancelled {
		t.Errorf("state = %s after queue drain, want cancelled", got.State)
	}
}

func TestCancelRunningJobReportsImmediately(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	j, err := eng.Submit(ctx, "stuck",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			<-block // ignores cancellation
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, "job to start", func() bool {
		got, _ := eng.Status(j.ID)
		return got.State == job.StateRunning
	})

	start := time.Now()
	snap, err := eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if snap.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("cancel took %v, must not wait for the task", elapsed)
	}

	// The worker slot frees after the orphan grace even though the task
	// never returns.
	waitFor(t, 2*time.Second, "worker slot to free", func() bool {
		return eng.Health().ActiveWorkers == 0
	})
}

func TestCancelUnknownJob(t *testing.T) {
	eng, _ := startEngine(t, 1)
	_, err := eng.Cancel(context.Background(), id.NewJobID())
	if !errors.Is(err, substrate.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestSubscribeStreamsLifecycle(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	release := make(chan struct{})
	j, err := eng.Submit(ctx, "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			progress.Report(25, "reading")
			<-release
			progress.Report(75, "writing")
			return "done", nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sub, err := eng.Subscribe(j.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	close(release)

	var events []stream.Event
	deadline := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				done = true
				break
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("stream did not close; got %v", events)
		}
		if done {
			break
		}
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	last := events[len(events)-1]
	if last.Type != stream.EventResult {
		t.Errorf("last event = %s, want %s", last.Type, stream.EventResult)
	}
	final, _ := eng.Status(j.ID)
	if final.State != job.StateSucceeded {
		t.Errorf("registry state = %s", final.State)
	}

	prev := -1.0
	for i, evt := range events {
		if evt.Type == stream.EventProgress && evt.Percent < prev {
			t.Errorf("event[%d] percent regressed: %v < %v", i, evt.Percent, prev)
		}
		if evt.Percent > prev {
			prev = evt.Percent
		}
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	eng, _ := startEngine(t, 1)
	if _, err := eng.Subscribe(id.NewJobID()); !errors.Is(err, substrate.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestLateSubscriberSeesTerminalEvent(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	j, err := eng.Submit(ctx, "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			return nil, errors.New("boom")
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, eng, j)

	sub, err := eng.Subscribe(j.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatal("stream closed without terminal event")
		}
		if evt.Type != stream.EventError {
			t.Errorf("event = %s, want %s", evt.Type, stream.EventError)
		}
		if evt.Reason != "boom" {
			t.Errorf("reason = %q", evt.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal replay for late subscriber")
	}
}

func TestTimeoutStreamsTimedOutEvent(t *testing.T) {
	eng, _ := startEngine(t, 1)
	ctx := context.Background()

	j, err := eng.Submit(ctx, "slow",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, engine.WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, eng, j)
	if final.State != job.StateTimedOut {
		t.Fatalf("state = %s, want timed_out", final.State)
	}

	sub, err := eng.Subscribe(j.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case evt := <-sub.Events():
		if evt.Type != stream.EventTimedOut {
			t.Errorf("event = %s, want %s", evt.Type, stream.EventTimedOut)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event")
	}
}

func TestHealthSnapshot(t *testing.T) {
	eng, _ := startEngine(t, 2)

	h := eng.Health()
	if !h.Running {
		t.Error("Running = false")
	}
	if h.PoolSize != 2 || h.BusyLimit != 2 {
		t.Errorf("pool size/limit = %d/%d", h.PoolSize, h.BusyLimit)
	}
	if !h.AdmissionOpen {
		t.Error("admission closed on an idle host")
	}
	if h.CPUPercent != 10 || h.RAMPercent != 20 {
		t.Errorf("readings = %v/%v", h.CPUPercent, h.RAMPercent)
	}
	if h.Tier != "normal" {
		t.Errorf("tier = %q", h.Tier)
	}
}

func TestKindConcurrencyCap(t *testing.T) {
	eng, _ := startEngine(t, 3, engine.WithKindConfig(queue.KindConfig{
		Kind:           "heavy",
		MaxConcurrency: 1,
	}))
	ctx := context.Background()

	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})

	var jobs []job.Job
	for range 3 {
		j, err := eng.Submit(ctx, "heavy",
			func(ctx context.Context, progress job.Progress) (job.Result, error) {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				<-release
				mu.Lock()
				active--
				mu.Unlock()
				return nil, nil
			})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, j)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, j := range jobs {
		waitTerminal(t, eng, j)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency for capped kind = %d, want 1", peak)
	}
}

func TestStopCancelsQueuedJobs(t *testing.T) {
	eng, probe := startEngine(t, 1)
	ctx := context.Background()

	// Close admission so submissions stay queued.
	probe.set(95, 40)
	waitFor(t, 2*time.Second, "admission to close", func() bool {
		return !eng.Health().AdmissionOpen
	})

	j, err := eng.Submit(ctx, "render",
		func(ctx context.Context, progress job.Progress) (job.Result, error) {
			return nil, nil
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := eng.Status(j.ID)
	if err != nil {
		t.Fatalf("status after stop: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("queued job state after stop = %s, want cancelled", got.State)
	}
}
