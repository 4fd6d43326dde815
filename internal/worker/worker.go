package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/metrics"
	"github.com/kmxunan/0C-sub003/internal/models"
)

// Handler evaluates one queued reading
type Handler interface {
	HandleEnvelope(ctx context.Context, envelope *models.Envelope) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, envelope *models.Envelope) error

// HandleEnvelope calls f
func (f HandlerFunc) HandleEnvelope(ctx context.Context, envelope *models.Envelope) error {
	return f(ctx, envelope)
}

// Pool manages a pool of workers that drain the envelope channel into the
// alert engine
type Pool struct {
	handler      Handler
	envelopeChan chan *models.Envelope
	workers      int
	timeout      time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Handler      Handler
	EnvelopeChan chan *models.Envelope
	Workers      int
	// Timeout bounds the evaluation of a single reading
	Timeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:      cfg.Handler,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		timeout:      cfg.Timeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("queue_capacity", cap(p.envelopeChan)).
		Dur("timeout", p.timeout).
		Msg("starting worker pool")

	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains what is already queued and waits for all workers. The
// envelope channel must be closed by the producer side first, otherwise
// Stop abandons queued envelopes.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().
		Uint64("processed", p.processed.Load()).
		Uint64("failed", p.failed.Load()).
		Msg("worker pool stopped")
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.process(envelope)
		}
	}
}

// drain handles whatever is still buffered without blocking
func (p *Pool) drain() {
	for {
		select {
		case envelope, ok := <-p.envelopeChan:
			if !ok {
				return
			}
			p.process(envelope)
		default:
			return
		}
	}
}

// process runs the handler for one envelope with a timeout. A panic in the
// handler fails the envelope but keeps the worker alive.
func (p *Pool) process(envelope *models.Envelope) {
	metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

	// Queued work outlives pool cancellation so that Stop can drain it
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.safeHandle(ctx, envelope)
	if err != nil {
		lg := logger.WithComponent("worker")
		lg.Error().
			Err(err).
			Str("device_id", envelope.Reading.DeviceID).
			Str("data_type", envelope.Reading.DataType).
			Str("source", envelope.Source).
			Msg("failed to evaluate reading")

		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

func (p *Pool) safeHandle(ctx context.Context, envelope *models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			lg := logger.WithComponent("worker")
			lg.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.HandleEnvelope(ctx, envelope)
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.envelopeChan),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64
	Failed    uint64
	Queued    int
}
