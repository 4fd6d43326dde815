package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kmxunan/0C-sub003/internal/actions"
	"github.com/kmxunan/0C-sub003/internal/alerts"
	"github.com/kmxunan/0C-sub003/internal/bus"
	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/handlers"
	"github.com/kmxunan/0C-sub003/internal/kafka"
	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/middleware"
	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/mqtt"
	"github.com/kmxunan/0C-sub003/internal/notify"
	"github.com/kmxunan/0C-sub003/internal/rules"
	"github.com/kmxunan/0C-sub003/internal/storage"
	"github.com/kmxunan/0C-sub003/internal/worker"
)

// scriptIntentLimit bounds the in-memory record of script actions
const scriptIntentLimit = 1000

// Processor wires telemetry ingress, rule evaluation, the alert lifecycle
// and action dispatch together and owns their shutdown order.
type Processor struct {
	cfg    *config.Config
	nodeID string

	store    storage.Store
	sqlStore *storage.SQL

	rules      *rules.Store
	dispatcher *actions.Dispatcher
	scripts    *actions.ScriptRecorder
	manager    *alerts.Manager

	redis    *notify.RedisStream
	producer *kafka.Producer
	consumer *kafka.Consumer
	mqtt     *mqtt.Subscriber
	natsConn *nats.Conn
	busSub   *bus.Subscriber

	workerPool   *worker.Pool
	httpServer   *http.Server
	envelopeChan chan *models.Envelope

	// ingress goroutines push into envelopeChan and must stop before it
	// is closed
	ingressWG     sync.WaitGroup
	ingressCancel context.CancelFunc
	wg            sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	nodeID, _ := os.Hostname()
	if nodeID == "" {
		nodeID = "unknown"
	}
	return &Processor{
		cfg:          cfg,
		nodeID:       nodeID,
		envelopeChan: make(chan *models.Envelope, cfg.Engine.QueueSize),
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Str("node_id", p.nodeID).Msg("processor starting")

	if err := p.init(ctx); err != nil {
		log.Error().Err(err).Msg("failed to initialize")
		p.closeResources()
		return err
	}

	p.workerPool.Start()

	ingressCtx, cancel := context.WithCancel(ctx)
	p.ingressCancel = cancel
	if err := p.startIngress(ingressCtx); err != nil {
		cancel()
		p.workerPool.Stop()
		p.closeResources()
		return err
	}

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.routes(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.cfg.Engine.RulesFile != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.watchRulesFile(ctx)
		}()
	}

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// init builds every component up to, but excluding, ingress
func (p *Processor) init(ctx context.Context) error {
	if err := p.initStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := p.initBus(); err != nil {
		return fmt.Errorf("failed to initialize rule bus: %w", err)
	}
	if err := p.initRules(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	p.initDispatcher()
	if err := p.initProducer(); err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	if err := p.initManager(ctx); err != nil {
		return fmt.Errorf("failed to initialize alert manager: %w", err)
	}
	p.initWorkerPool()
	return nil
}

// initStore opens the rule and alert store
func (p *Processor) initStore(ctx context.Context) error {
	log := logger.WithComponent("processor")
	dbCfg := p.cfg.Database

	if dbCfg.Driver == "memory" {
		p.store = storage.NewMemory()
		log.Warn().Msg("using in-memory store; alerts and rules are lost on restart")
		return nil
	}

	db, err := storage.OpenPostgres(ctx, dbCfg)
	if err != nil {
		return err
	}
	if dbCfg.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return err
		}
	}

	p.store, p.sqlStore = db, db
	log.Info().Str("driver", dbCfg.Driver).Msg("sql store initialized")
	return nil
}

// initBus connects to NATS for cross-instance rule reloads
func (p *Processor) initBus() error {
	if p.cfg.NATS.URL == "" {
		return nil
	}
	conn, err := bus.Connect(p.cfg.NATS.URL, "alertd-"+p.nodeID)
	if err != nil {
		return err
	}
	p.natsConn = conn
	lg := logger.WithComponent("processor")
	lg.Info().Str("url", p.cfg.NATS.URL).Msg("nats connected")
	return nil
}

// initRules seeds the store from the rules file, loads the snapshot and
// subscribes to remote rule changes
func (p *Processor) initRules(ctx context.Context) error {
	log := logger.WithComponent("processor")

	var opts []rules.Option
	if p.natsConn != nil {
		opts = append(opts, rules.WithPublisher(bus.NewPublisher(p.natsConn, p.cfg.NATS.Subject), p.nodeID))
	}
	p.rules = rules.NewStore(p.store, opts...)

	var (
		result rules.LoadResult
		err    error
	)
	if p.cfg.Engine.RulesFile != "" {
		result, err = p.rules.ImportFile(ctx, p.cfg.Engine.RulesFile)
	} else {
		result, err = p.rules.Init(ctx)
	}
	if err != nil {
		return err
	}
	logLoadResult(result)

	if p.natsConn != nil {
		p.busSub = bus.NewSubscriber(p.nodeID, func(ctx context.Context) error {
			_, err := p.rules.Reload(ctx)
			return err
		})
		if err := p.busSub.Subscribe(p.natsConn, p.cfg.NATS.Subject); err != nil {
			return err
		}
	}

	log.Info().Int("rules", result.Loaded).Msg("rule store initialized")
	return nil
}

func logLoadResult(result rules.LoadResult) {
	log := logger.WithComponent("processor")
	for _, f := range result.Failures {
		log.Warn().
			Str("rule_id", f.RuleID).
			Str("name", f.Name).
			Str("reason", f.Reason).
			Msg("rule skipped")
	}
}

// initDispatcher registers the built-in action handlers
func (p *Processor) initDispatcher() {
	log := logger.WithComponent("processor")
	engine := p.cfg.Engine

	var notifier actions.Notifier
	if p.cfg.Redis.Addr != "" {
		p.redis = notify.NewRedisStream(p.cfg.Redis)
		notifier = p.redis
		log.Info().
			Str("addr", p.cfg.Redis.Addr).
			Str("stream", p.cfg.Redis.NotificationStream).
			Msg("notifications go to redis stream")
	} else {
		notifier = notify.NewLog(logger.WithComponent("notifications"))
		log.Warn().Msg("redis not configured; notifications are only logged")
	}

	p.scripts = actions.NewScriptRecorder(scriptIntentLimit, logger.WithComponent("script_action"))

	p.dispatcher = actions.NewDispatcher(engine.ActionTimeout)
	p.dispatcher.Register(models.ActionNotification, actions.NewNotificationHandler(notifier))
	p.dispatcher.Register(models.ActionWebhook, actions.NewWebhookHandler(engine.WebhookTimeout, engine.WebhookRetries))
	p.dispatcher.Register(models.ActionScript, p.scripts)
}

// initProducer initializes the Kafka producer for alert events
func (p *Processor) initProducer() error {
	kcfg := p.cfg.Kafka
	if len(kcfg.Brokers) == 0 || kcfg.AlertTopic == "" {
		return nil
	}

	producer, err := kafka.NewProducer(kcfg.Brokers, kcfg.AlertTopic, kcfg.Producer)
	if err != nil {
		return err
	}

	p.producer = producer
	lg := logger.WithComponent("processor")
	lg.Info().
		Strs("brokers", kcfg.Brokers).
		Str("topic", kcfg.AlertTopic).
		Msg("kafka producer initialized")
	return nil
}

func (p *Processor) initManager(ctx context.Context) error {
	var opts []alerts.Option
	if p.producer != nil {
		opts = append(opts, alerts.WithEventPublisher(p.producer))
	}
	p.manager = alerts.NewManager(p.rules, p.store, p.dispatcher, opts...)
	return p.manager.Init(ctx)
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	p.workerPool = worker.NewPool(worker.Config{
		Handler:      p.manager,
		EnvelopeChan: p.envelopeChan,
		Workers:      p.cfg.Engine.Workers,
		Timeout:      p.cfg.Engine.EvaluationTimeout,
	})
}

// startIngress starts the Kafka and MQTT telemetry sources
func (p *Processor) startIngress(ctx context.Context) error {
	log := logger.WithComponent("processor")
	kcfg := p.cfg.Kafka

	if len(kcfg.Brokers) > 0 && kcfg.TelemetryTopic != "" {
		consumer, err := kafka.NewConsumer(kcfg, p.envelopeChan)
		if err != nil {
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		p.consumer = consumer

		p.ingressWG.Add(1)
		go func() {
			defer p.ingressWG.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	if p.cfg.MQTT.Broker != "" {
		sub := mqtt.NewSubscriber(p.cfg.MQTT, p.envelopeChan)
		if err := sub.Connect(); err != nil {
			return fmt.Errorf("failed to initialize mqtt: %w", err)
		}
		p.mqtt = sub
	}

	return nil
}

// routes builds the ops HTTP surface
func (p *Processor) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, middleware.Logging, middleware.Recovery)

	r.Method(http.MethodPost, "/ingest", handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: p.envelopeChan,
		NodeID:       p.nodeID,
		MaxBodySize:  p.cfg.HTTP.MaxBodySize,
	}))
	r.Post("/rules/reload", handlers.ReloadHandler(p.rules))
	r.Get("/healthz", handlers.HealthHandler(p.healthChecks()))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (p *Processor) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{}
	if p.sqlStore != nil {
		checks["database"] = p.sqlStore.Ping
	}
	if p.redis != nil {
		checks["redis"] = p.redis.Ping
	}
	if p.producer != nil {
		checks["kafka"] = p.producer.HealthCheck
	}
	if p.natsConn != nil {
		conn := p.natsConn
		checks["nats"] = func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}
	return checks
}

// watchRulesFile re-imports the rules file whenever it changes
func (p *Processor) watchRulesFile(ctx context.Context) {
	log := logger.WithComponent("processor")
	path := p.cfg.Engine.RulesFile

	err := config.WatchFile(ctx, path, func() {
		result, err := p.rules.ImportFile(ctx, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("rules file reload failed")
			return
		}
		logLoadResult(result)
		log.Info().Int("rules", result.Loaded).Msg("rules file reloaded")
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("cannot watch rules file")
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the other telemetry sources
	if p.mqtt != nil {
		p.mqtt.Close()
	}
	if p.ingressCancel != nil {
		p.ingressCancel()
	}
	p.ingressWG.Wait()

	// 3. Close envelope channel to signal no more incoming envelopes
	log.Info().Msg("closing envelope channel")
	close(p.envelopeChan)

	// 4. Wait for workers to finish what is queued (with timeout)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 5. Let in-flight actions and lifecycle events finish
	p.dispatcher.Wait()
	p.manager.Dispose()

	p.wg.Wait()
	p.closeResources()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// closeResources releases connections in reverse order of creation. It is
// safe on a partially initialized processor.
func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")

	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}
	if p.producer != nil {
		log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}
	if p.busSub != nil {
		if err := p.busSub.Close(); err != nil {
			log.Error().Err(err).Msg("rule bus unsubscribe error")
		}
	}
	if p.natsConn != nil {
		if err := p.natsConn.Drain(); err != nil {
			p.natsConn.Close()
		}
	}
	if p.rules != nil {
		p.rules.Dispose()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workerStats := p.workerPool.Stats()

			event := log.Info().
				Uint64("worker_processed", workerStats.Processed).
				Uint64("worker_failed", workerStats.Failed).
				Int("queue_size", workerStats.Queued).
				Int("active_alerts", len(p.manager.GetActiveAlerts(alerts.Filter{}))).
				Int("rules", len(p.rules.List()))

			if p.producer != nil {
				producerStats := p.producer.Stats()
				event = event.
					Uint64("producer_sent", producerStats.MessagesSent).
					Uint64("producer_failed", producerStats.MessagesFailed)
			}
			event.Msg("stats")
		}
	}
}
