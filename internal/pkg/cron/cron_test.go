package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RegisterValidation(t *testing.T) {
	t.Parallel()

	s := New(nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register(Job{Name: "a", Interval: time.Minute, Fn: noop}))
	assert.Error(t, s.Register(Job{Name: "a", Interval: time.Minute, Fn: noop}))
	assert.Error(t, s.Register(Job{Name: "b", Fn: noop}))
	assert.Error(t, s.Register(Job{Interval: time.Minute, Fn: noop}))
}

func TestScheduler_RunSyncRecordsOutcome(t *testing.T) {
	t.Parallel()

	s := New(nil)
	fail := errors.New("boom")
	require.NoError(t, s.Register(Job{Name: "ok", Interval: time.Hour, Fn: func(context.Context) error { return nil }}))
	require.NoError(t, s.Register(Job{Name: "bad", Interval: time.Hour, Fn: func(context.Context) error { return fail }}))
	require.NoError(t, s.Register(Job{Name: "panics", Interval: time.Hour, Fn: func(context.Context) error { panic("nil map") }}))

	require.NoError(t, s.RunSync(context.Background(), "ok"))
	assert.ErrorIs(t, s.RunSync(context.Background(), "bad"), fail)
	assert.Error(t, s.RunSync(context.Background(), "panics"))

	res, err := s.GetTask("ok")
	require.NoError(t, err)
	assert.Equal(t, StatusFulfill, res.Status)

	res, err = s.GetTask("bad")
	require.NoError(t, err)
	assert.Equal(t, StatusReject, res.Status)
	assert.Equal(t, "boom", res.Message)

	_, err = s.GetTask("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	items := s.List()
	require.Len(t, items, 3)
	assert.Equal(t, "bad", items[0].Name)
	assert.Equal(t, "ok", items[1].Name)
}

func TestScheduler_NoOverlap(t *testing.T) {
	t.Parallel()

	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.Register(Job{Name: "slow", Interval: time.Hour, Fn: func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}}))

	require.NoError(t, s.Run(context.Background(), "slow"))
	<-started
	assert.ErrorIs(t, s.Run(context.Background(), "slow"), ErrJobRunning)
	assert.ErrorIs(t, s.RunSync(context.Background(), "slow"), ErrJobRunning)
	close(release)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestScheduler_StartTicksUntilCancelled(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var calls atomic.Int32
	require.NoError(t, s.Register(Job{Name: "tick", Interval: 10 * time.Millisecond, Fn: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}
