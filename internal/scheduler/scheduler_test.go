package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTaskValidation(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	noop := func(context.Context) error { return nil }

	require.NoError(t, s.RegisterTask(TaskConfig{
		ID: "a", Name: "A", Interval: time.Hour, Func: noop,
	}))
	assert.Error(t, s.RegisterTask(TaskConfig{
		ID: "a", Name: "A again", Interval: time.Hour, Func: noop,
	}), "duplicate id must be rejected")
	assert.Error(t, s.RegisterTask(TaskConfig{
		ID: "b", Name: "B", Func: noop,
	}), "a task needs an interval or a cron expression")
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID: "c", Name: "C", Cron: "0 3 * * *", Func: noop,
	}))
}

func TestRunNowExecutesTask(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	ran := make(chan struct{})
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:       "reconcile",
		Name:     "Reconcile",
		Interval: time.Hour,
		Func: func(context.Context) error {
			close(ran)
			return nil
		},
	}))

	assert.Error(t, s.RunNow("missing"))
	require.NoError(t, s.RunNow("reconcile"))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestRunNowRejectsRunningTask(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:       "slow",
		Name:     "Slow",
		Interval: time.Hour,
		Func: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))

	require.NoError(t, s.RunNow("slow"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not start")
	}

	assert.Error(t, s.RunNow("slow"), "a running task must not be started again")
	close(release)
}

func TestTaskInfo(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:          "reconcile",
		Name:        "Reconcile",
		Description: "polls clients",
		Interval:    30 * time.Minute,
		Func:        func(context.Context) error { return nil },
	}))

	info, err := s.GetTask("reconcile")
	require.NoError(t, err)
	assert.Equal(t, "Reconcile", info.Name)
	assert.Equal(t, "30m0s", info.Interval)
	assert.False(t, info.Running)
	assert.Nil(t, info.LastRun)

	_, err = s.GetTask("missing")
	assert.Error(t, err)

	assert.Len(t, s.ListTasks(), 1)
}
