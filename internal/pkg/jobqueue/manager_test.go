package jobqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	runs  atomic.Int32
	limit atomic.Int32
	n     int
	err   error
}

func (f *fakeSweeper) ReconcileIncomplete(ctx context.Context, limit int) (int, error) {
	f.runs.Add(1)
	f.limit.Store(int32(limit))
	return f.n, f.err
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(nil, nil, 0)
	assert.Equal(t, DefaultReconcileInterval, m.interval)
	assert.Equal(t, DefaultReconcileBatch, m.batch)
	assert.False(t, m.IsRunning())
}

func TestRunReconcileOnce(t *testing.T) {
	sw := &fakeSweeper{n: 2}
	m := NewManager(nil, sw, time.Minute)

	n, err := m.RunReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(DefaultReconcileBatch), sw.limit.Load())

	sw.err = errors.New("db down")
	_, err = m.RunReconcileOnce(context.Background())
	assert.Error(t, err)
}

func TestRunReconcileOnce_NoSweeper(t *testing.T) {
	m := NewManager(nil, nil, time.Minute)
	n, err := m.RunReconcileOnce(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_StartStopRunsSweep(t *testing.T) {
	sw := &fakeSweeper{}
	m := NewManager(nil, sw, 10*time.Millisecond)

	m.Start()
	assert.True(t, m.IsRunning())
	assert.Eventually(t, func() bool { return sw.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())

	// Restart works with a fresh stop channel
	m.Start()
	m.Stop()
}
