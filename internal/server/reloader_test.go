package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloader_ReloadsOnArtifactChange(t *testing.T) {
	h, modelPath, _ := newTestHolder(t)
	reloads := &countingReloads{}
	h.metrics = reloads

	r, err := NewReloader(h, 50*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	writeModel(t, dirOf(modelPath), "model", 2)

	assert.Eventually(t, func() bool {
		var out []float64
		err := h.Use(func(l *Loaded) error {
			var err error
			out, err = l.Predictor.PredictContext(context.Background(), []float64{5, 5})
			return err
		})
		return err == nil && out[0] > 0.9
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.get("success"), 1)
}

func TestReloader_IgnoresUnrelatedFiles(t *testing.T) {
	h, modelPath, _ := newTestHolder(t)
	reloads := &countingReloads{}
	h.metrics = reloads

	r, err := NewReloader(h, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, os.WriteFile(dirOf(modelPath)+"/notes.txt", []byte("hello"), 0o600))
	time.Sleep(200 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, reloads.get("success"))
	assert.Zero(t, reloads.get("failure"))
}

func TestReloader_BrokenArtifactKeepsServing(t *testing.T) {
	h, modelPath, _ := newTestHolder(t)
	reloads := &countingReloads{}
	h.metrics = reloads

	r, err := NewReloader(h, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.WriteFile(modelPath, []byte("truncated"), 0o600))

	assert.Eventually(t, func() bool { return reloads.get("failure") >= 1 }, 5*time.Second, 20*time.Millisecond)

	err = h.Use(func(l *Loaded) error {
		_, err := l.Predictor.PredictContext(context.Background(), []float64{5, 5})
		return err
	})
	assert.NoError(t, err)
}
