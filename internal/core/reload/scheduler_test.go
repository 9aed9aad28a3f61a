package reload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/serverrules/internal/rules"
)

type fakeReloader struct {
	calls atomic.Int32
	err   error
	ran   chan struct{}
}

func (f *fakeReloader) ReloadAll(context.Context) ([]rules.EngineReport, error) {
	f.calls.Add(1)
	if f.ran != nil {
		select {
		case f.ran <- struct{}{}:
		default:
		}
	}
	return []rules.EngineReport{{Report: rules.LoadReport{Loaded: 2}}}, f.err
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	r := &fakeReloader{ran: make(chan struct{}, 1)}
	s := NewScheduler("@every 1s", r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.WithinDuration(t, time.Now().Add(time.Second), s.NextRun(), 2*time.Second)

	select {
	case <-r.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("reload never ran")
	}

	s.Stop()
	assert.False(t, s.Running())
	assert.True(t, s.NextRun().IsZero())
	s.Stop() // idempotent
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler("", &fakeReloader{}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Running())
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler("whenever", &fakeReloader{}, nil)
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.Running())
}

func TestSchedulerDoubleStart(t *testing.T) {
	s := NewScheduler("@every 1h", &fakeReloader{}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerStopsWithContext(t *testing.T) {
	s := NewScheduler("@every 1h", &fakeReloader{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestRunToleratesFailure(t *testing.T) {
	r := &fakeReloader{err: errors.New("db down")}
	s := NewScheduler("@every 1h", r, nil)
	s.run(context.Background())
	assert.Equal(t, int32(1), r.calls.Load())
}
