package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/worker"
)

// MockHandler counts the envelopes it sees
type MockHandler struct {
	handled    atomic.Uint64
	shouldFail bool
	panicOn    string
	delay      time.Duration
}

func (m *MockHandler) HandleEnvelope(ctx context.Context, envelope *models.Envelope) error {
	if envelope.Reading.DeviceID == m.panicOn {
		panic("boom")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.shouldFail {
		return errors.New("evaluation failed")
	}
	m.handled.Add(1)
	return nil
}

func testEnvelope(deviceID string) *models.Envelope {
	reading := &models.Reading{
		DeviceID:  deviceID,
		DataType:  "power",
		Timestamp: time.Now(),
		Fields:    map[string]any{"kw": 42.0},
	}
	return models.NewEnvelope(reading, "test-node", models.SourceHTTP)
}

func TestWorkerPool_ProcessEnvelopes(t *testing.T) {
	ch := make(chan *models.Envelope, 100)
	mock := &MockHandler{}

	pool := worker.NewPool(worker.Config{
		Handler:      mock,
		EnvelopeChan: ch,
		Workers:      2,
	})

	pool.Start()
	defer pool.Stop()

	numReadings := 25
	for i := 0; i < numReadings; i++ {
		ch <- testEnvelope("meter-1")
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Processed == uint64(numReadings)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(numReadings), mock.handled.Load())
	assert.Zero(t, pool.Stats().Failed)
}

func TestWorkerPool_HandlerFailure(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	mock := &MockHandler{shouldFail: true}

	pool := worker.NewPool(worker.Config{Handler: mock, EnvelopeChan: ch, Workers: 1})
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		ch <- testEnvelope("meter-1")
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Failed == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, pool.Stats().Processed)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	mock := &MockHandler{panicOn: "bad-meter"}

	pool := worker.NewPool(worker.Config{Handler: mock, EnvelopeChan: ch, Workers: 1})
	pool.Start()
	defer pool.Stop()

	ch <- testEnvelope("bad-meter")
	ch <- testEnvelope("meter-1")

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Failed == 1 && s.Processed == 1
	}, 2*time.Second, 10*time.Millisecond, "worker survives a panicking handler")
}

func TestWorkerPool_Timeout(t *testing.T) {
	ch := make(chan *models.Envelope, 10)
	mock := &MockHandler{delay: time.Second}

	pool := worker.NewPool(worker.Config{
		Handler:      mock,
		EnvelopeChan: ch,
		Workers:      1,
		Timeout:      20 * time.Millisecond,
	})
	pool.Start()
	defer pool.Stop()

	ch <- testEnvelope("meter-1")

	require.Eventually(t, func() bool {
		return pool.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerPool_StopDrainsQueue(t *testing.T) {
	ch := make(chan *models.Envelope, 50)
	mock := &MockHandler{}

	for i := 0; i < 20; i++ {
		ch <- testEnvelope("meter-1")
	}

	pool := worker.NewPool(worker.Config{Handler: mock, EnvelopeChan: ch, Workers: 2})
	pool.Start()
	close(ch)
	pool.Stop()

	assert.Equal(t, uint64(20), pool.Stats().Processed)
	assert.Equal(t, uint64(20), mock.handled.Load())
}

func TestHandlerFunc(t *testing.T) {
	var called bool
	h := worker.HandlerFunc(func(ctx context.Context, env *models.Envelope) error {
		called = true
		return nil
	})
	require.NoError(t, h.HandleEnvelope(context.Background(), testEnvelope("m")))
	assert.True(t, called)
}
