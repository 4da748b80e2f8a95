package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/orderstatus-service/internal/model"
)

type stubStatuses struct {
	mu     sync.Mutex
	status model.OrderStatus
	err    error
	reads  int
}

func (s *stubStatuses) GetStatus(ctx context.Context, orderID string) (model.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.status, s.err
}

func (s *stubStatuses) set(status model.OrderStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = err
}

type stubProgressStore struct {
	mu    sync.Mutex
	saved []model.DeliveryProgress
	err   error
}

func (s *stubProgressStore) SaveDeliveryProgress(ctx context.Context, p model.DeliveryProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, p)
	return s.err
}

func (s *stubProgressStore) all() []model.DeliveryProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeliveryProgress(nil), s.saved...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) progressValues() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []int
	for _, ev := range r.events {
		if ev.Name == model.EventProgressUpdate && ev.Progress != nil {
			res = append(res, *ev.Progress)
		}
	}
	return res
}

// idleConfig не даёт циклу тикать самостоятельно, тики вызываются вручную.
func idleConfig() Config {
	return Config{
		TickInterval: time.Hour,
		Step:         2,
		SampleEvery:  1,
		Ceiling:      time.Hour,
		RestartDelay: time.Hour,
	}
}

func newTestSimulator(t *testing.T, cfg Config, statuses StatusReader, store ProgressStore) (*Simulator, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	s := NewSimulator(cfg, statuses, store, pub, zap.NewNop())
	t.Cleanup(s.Shutdown)
	return s, pub
}

func TestTick_AdvancesByStep(t *testing.T) {
	statuses := &stubStatuses{status: model.OrderStatusOnTheWay}
	s, pub := newTestSimulator(t, idleConfig(), statuses, nil)

	tr := newTracker("O1", 0, model.ProgressRunning, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, outcomeContinue, s.tick(context.Background(), tr))
	}

	assert.Equal(t, 6, tr.snapshot().Progress)
	assert.Equal(t, []int{2, 4, 6}, pub.progressValues())
	assert.Equal(t, 3, statuses.reads)
}

func TestTick_CapsAtMax(t *testing.T) {
	statuses := &stubStatuses{status: model.OrderStatusOnTheWay}
	store := &stubProgressStore{}
	s, pub := newTestSimulator(t, idleConfig(), statuses, store)

	tr := newTracker("O1", 498, model.ProgressRunning, nil)
	s.trackers["O1"] = tr
	o := s.tick(context.Background(), tr)

	assert.Equal(t, outcomeCompleted, o)
	snap := tr.snapshot()
	assert.Equal(t, model.MaxProgress, snap.Progress)
	assert.Equal(t, model.ProgressCompleted, snap.Status)
	assert.Equal(t, []int{model.MaxProgress}, pub.progressValues())
	require.Len(t, store.all(), 1)
	assert.Equal(t, model.ProgressCompleted, store.all()[0].Status)
	assert.Empty(t, s.trackers)
}

func TestTick_CapsAtMaxWithoutStoreKeepsState(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	tr := newTracker("O1", 498, model.ProgressRunning, nil)
	s.trackers["O1"] = tr
	require.Equal(t, outcomeCompleted, s.tick(context.Background(), tr))

	p, ok := s.Progress("O1")
	require.True(t, ok)
	assert.Equal(t, model.MaxProgress, p.Progress)
	assert.Equal(t, model.ProgressCompleted, p.Status)
}

func TestTick_StepLargerThanRemainder(t *testing.T) {
	cfg := idleConfig()
	cfg.Step = 10
	s, _ := newTestSimulator(t, cfg, &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	tr := newTracker("O1", 495, model.ProgressRunning, nil)
	s.tick(context.Background(), tr)

	assert.Equal(t, model.MaxProgress, tr.snapshot().Progress)
}

func TestTick_TerminalStatusDiscardsState(t *testing.T) {
	tests := []struct {
		name   string
		status model.OrderStatus
		err    error
	}{
		{name: "delivered", status: model.OrderStatusDelivered},
		{name: "canceled", status: model.OrderStatusCanceled},
		{name: "missing record", err: model.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statuses := &stubStatuses{status: tt.status, err: tt.err}
			s, pub := newTestSimulator(t, idleConfig(), statuses, nil)

			tr := newTracker("O1", 10, model.ProgressRunning, nil)
			s.trackers["O1"] = tr

			assert.Equal(t, outcomeTerminal, s.tick(context.Background(), tr))

			_, ok := s.Progress("O1")
			assert.False(t, ok)
			assert.Empty(t, pub.progressValues())
			assert.Equal(t, 10, tr.snapshot().Progress)
		})
	}
}

func TestTick_ReadErrorKeepsTicking(t *testing.T) {
	statuses := &stubStatuses{err: errors.New("connection reset by peer")}
	s, pub := newTestSimulator(t, idleConfig(), statuses, nil)

	tr := newTracker("O1", 10, model.ProgressRunning, nil)
	s.trackers["O1"] = tr

	assert.Equal(t, outcomeContinue, s.tick(context.Background(), tr))
	assert.Equal(t, 10, tr.snapshot().Progress)
	assert.Empty(t, pub.progressValues())

	_, ok := s.Progress("O1")
	assert.True(t, ok)

	statuses.set(model.OrderStatusOnTheWay, nil)
	assert.Equal(t, outcomeContinue, s.tick(context.Background(), tr))
	assert.Equal(t, 12, tr.snapshot().Progress)
}

func TestTick_SamplesStatusEveryNthTick(t *testing.T) {
	cfg := idleConfig()
	cfg.SampleEvery = 3
	statuses := &stubStatuses{status: model.OrderStatusOnTheWay}
	s, _ := newTestSimulator(t, cfg, statuses, nil)

	tr := newTracker("O1", 0, model.ProgressRunning, nil)
	for i := 0; i < 6; i++ {
		s.tick(context.Background(), tr)
	}

	assert.Equal(t, 2, statuses.reads)
	assert.Equal(t, 12, tr.snapshot().Progress)
}

func TestStart_ReplacesExistingTicker(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	require.NoError(t, s.Start("O1"))
	first := s.trackers["O1"]

	require.NoError(t, s.Start("O1"))
	second := s.trackers["O1"]

	assert.NotSame(t, first, second)
	assert.Equal(t, 1, s.Running())
	assert.True(t, s.Active("O1"))

	select {
	case <-first.done:
	default:
		t.Fatalf("previous ticker is still running")
	}
}

func TestStart_ConcurrentCallsKeepSingleTicker(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start("O1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Running())
}

func TestStart_ResumesRetainedProgress(t *testing.T) {
	store := &stubProgressStore{}
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, store)

	require.NoError(t, s.Start("O1"))
	s.trackers["O1"].advance(40, model.MaxProgress)

	require.NoError(t, s.Start("O1"))

	p, ok := s.Progress("O1")
	require.True(t, ok)
	assert.Equal(t, 40, p.Progress)
	assert.Equal(t, model.ProgressRunning, p.Status)

	saved := store.all()
	require.Len(t, saved, 2)
	assert.Equal(t, 40, saved[1].Progress)
}

func TestStop_ReleasesTickerAndState(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	require.NoError(t, s.Start("O1"))
	require.Equal(t, 1, s.Running())

	assert.True(t, s.Stop("O1"))

	assert.Equal(t, 0, s.Running())
	assert.False(t, s.Active("O1"))
	_, ok := s.Progress("O1")
	assert.False(t, ok)

	assert.False(t, s.Stop("O1"))
}

func TestStop_ThenStartBeginsFromZero(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil)

	require.NoError(t, s.Start("O1"))
	s.trackers["O1"].advance(100, model.MaxProgress)
	s.Stop("O1")

	require.NoError(t, s.Start("O1"))
	p, _ := s.Progress("O1")
	assert.Equal(t, 0, p.Progress)
}

func TestComplete_FreezesAtMax(t *testing.T) {
	store := &stubProgressStore{}
	s, pub := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, store)

	require.NoError(t, s.Start("O1"))
	s.Complete("O1")

	assert.Equal(t, 0, s.Running())
	assert.False(t, s.Active("O1"))
	assert.Equal(t, []int{model.MaxProgress}, pub.progressValues())

	saved := store.all()
	require.NotEmpty(t, saved)
	assert.Equal(t, model.MaxProgress, saved[len(saved)-1].Progress)
	assert.Equal(t, model.ProgressCompleted, saved[len(saved)-1].Status)

	_, ok := s.Progress("O1")
	assert.False(t, ok)
	assert.Empty(t, s.trackers)
}

func TestComplete_ReleasesStateForEveryOrder(t *testing.T) {
	store := &stubProgressStore{}
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, store)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("O%d", i)
		require.NoError(t, s.Start(id))
		s.Complete(id)
	}

	assert.Equal(t, 0, s.Running())
	assert.Empty(t, s.trackers)
}

func TestComplete_KeepsStateWhenStoreFails(t *testing.T) {
	store := &stubProgressStore{err: errors.New("connection refused")}
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, store)

	require.NoError(t, s.Start("O1"))
	s.Complete("O1")

	p, ok := s.Progress("O1")
	require.True(t, ok)
	assert.Equal(t, model.MaxProgress, p.Progress)
	assert.Equal(t, model.ProgressCompleted, p.Status)
}

func TestComplete_WithoutRunningTicker(t *testing.T) {
	s, _ := newTestSimulator(t, idleConfig(), &stubStatuses{}, nil)

	s.Complete("O2")

	p, ok := s.Progress("O2")
	require.True(t, ok)
	assert.Equal(t, model.MaxProgress, p.Progress)
	assert.Len(t, s.trackers, 1)
}

func TestRun_TicksUntilOrderDelivered(t *testing.T) {
	cfg := Config{
		TickInterval: 5 * time.Millisecond,
		Step:         2,
		SampleEvery:  1,
		Ceiling:      time.Hour,
		RestartDelay: time.Millisecond,
	}
	statuses := &stubStatuses{status: model.OrderStatusOnTheWay}
	s, pub := newTestSimulator(t, cfg, statuses, nil)

	require.NoError(t, s.Start("O1"))

	require.Eventually(t, func() bool {
		p, _ := s.Progress("O1")
		return p.Progress >= 6
	}, time.Second, 5*time.Millisecond)

	statuses.set(model.OrderStatusDelivered, nil)

	require.Eventually(t, func() bool {
		return s.Running() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := s.Progress("O1")
	assert.False(t, ok)

	values := pub.progressValues()
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1])
	}
}

func TestRun_CeilingPausesAndResumesWithoutReset(t *testing.T) {
	cfg := Config{
		TickInterval: 2 * time.Millisecond,
		Step:         2,
		SampleEvery:  1,
		Ceiling:      20 * time.Millisecond,
		RestartDelay: 10 * time.Millisecond,
	}
	store := &stubProgressStore{}
	s, pub := newTestSimulator(t, cfg, &stubStatuses{status: model.OrderStatusOnTheWay}, store)

	require.NoError(t, s.Start("O1"))

	var paused model.DeliveryProgress
	require.Eventually(t, func() bool {
		for _, p := range store.all() {
			if p.Status == model.ProgressPaused {
				paused = p
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		p, _ := s.Progress("O1")
		return p.Status == model.ProgressRunning && p.Progress > paused.Progress
	}, 2*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, s.Running())

	values := pub.progressValues()
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1])
	}
}

func TestShutdown_StopsEverything(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewSimulator(idleConfig(), &stubStatuses{status: model.OrderStatusOnTheWay}, nil, pub, zap.NewNop())

	require.NoError(t, s.Start("O1"))
	require.NoError(t, s.Start("O2"))
	require.Equal(t, 2, s.Running())

	s.Shutdown()

	assert.Equal(t, 0, s.Running())
	assert.ErrorIs(t, s.Start("O3"), ErrClosed)
}
