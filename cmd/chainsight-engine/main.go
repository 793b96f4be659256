// Package main is the entry point for the Chainsight correlation engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainsight/internal/config"
	"chainsight/internal/consumer"
	"chainsight/internal/dispatch"
	"chainsight/internal/engine"
	"chainsight/internal/incident"
	"chainsight/internal/ingest"
	"chainsight/internal/kafka"
	"chainsight/internal/logging"
	"chainsight/internal/metrics"
	"chainsight/internal/model"
	"chainsight/internal/queue"
	"chainsight/internal/sanitize"
	"chainsight/internal/schema"
	"chainsight/internal/storage"
	s3store "chainsight/internal/storage/s3"
)

func main() {
	// Bootstrap logging so config errors are structured too; reconfigured
	// below once the config is loaded.
	logging.Setup(os.Getenv("CHAINSIGHT_LOG_LEVEL"), os.Getenv("CHAINSIGHT_LOG_FORMAT"))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"dtls_enabled", cfg.Ingest.DTLS.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"suppression_backend", cfg.Suppression.Backend,
	)

	// Load operational models and build the active registry
	models, err := loadModels(cfg)
	if err != nil {
		slog.Error("failed to load models", "error", err)
		os.Exit(1)
	}

	registry, err := model.Load(models)
	if err != nil {
		slog.Error("failed to build model registry", "error", err)
		os.Exit(1)
	}
	metrics.ActiveModels.Set(float64(registry.Len()))

	catalog := dispatch.BuiltinCatalog()
	if err := dispatch.ValidatePlaybookRefs(registry.Snapshot(), catalog); err != nil {
		slog.Error("model references unknown playbook", "error", err)
		os.Exit(1)
	}
	for _, gap := range dispatch.Coverage(registry.Snapshot()) {
		slog.Warn("decision matrix gap: incidents at this combination will not dispatch",
			"pattern_id", gap.PatternID,
			"confidence", gap.Confidence,
		)
	}

	slog.Info("model registry loaded",
		"models", registry.Len(),
		"min_window", registry.MinCorrelationWindow(),
	)

	// Initialize intake components
	validatorCfg := schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	}
	validator := schema.NewValidatorWithConfig(validatorCfg)

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	normalizer := ingest.NewNormalizer(cfg.Ingest.DefaultTenantID)

	handler := ingest.NewHandler(normalizer, validator, eventQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	// Correlation engine
	eng := engine.NewEngine(registry, engine.Config{
		Lanes:         cfg.Engine.Lanes,
		LaneBuffer:    cfg.Engine.LaneBuffer,
		TriggerBuffer: cfg.Engine.TriggerBuffer,
		EvidenceCap:   cfg.Engine.EvidenceCap,
		SweepInterval: cfg.Engine.SweepInterval,
		MaxStateAge:   cfg.Engine.MaxStateAge,
	})

	// Suppression store backs incident idempotency; Redis shares claims
	// across engine replicas, memory is single-node.
	var suppression incident.SuppressionStore
	var redisClient *incident.GoRedisClient

	if cfg.Suppression.Backend == "redis" {
		redisClient, err = incident.NewGoRedisClient(incident.RedisConfig{
			Addr:         cfg.Suppression.Redis.Addr,
			Password:     cfg.Suppression.Redis.Password,
			DB:           cfg.Suppression.Redis.DB,
			DialTimeout:  cfg.Suppression.Redis.DialTimeout,
			ReadTimeout:  cfg.Suppression.Redis.ReadTimeout,
			WriteTimeout: cfg.Suppression.Redis.WriteTimeout,
			PoolSize:     cfg.Suppression.Redis.PoolSize,
			MaxRetries:   cfg.Suppression.Redis.MaxRetries,
			TLSEnabled:   cfg.Suppression.Redis.TLSEnabled,
		})
		if err != nil {
			slog.Error("failed to connect to redis", "error", err, "addr", cfg.Suppression.Redis.Addr)
			os.Exit(1)
		}
		suppression = incident.NewRedisSuppressionStore(redisClient)
		slog.Info("suppression store ready", "backend", "redis", "addr", cfg.Suppression.Redis.Addr)
	} else {
		suppression, err = incident.NewMemorySuppressionStore(cfg.Suppression.MaxEntries)
		if err != nil {
			slog.Error("failed to create suppression store", "error", err)
			os.Exit(1)
		}
		slog.Info("suppression store ready", "backend", "memory", "max_entries", cfg.Suppression.MaxEntries)
	}

	factory, err := incident.NewFactory(suppression, incident.FactoryConfig{
		MaxRetries:   cfg.Incidents.MaxRetries,
		RetryBackoff: cfg.Incidents.RetryBackoff,
		MaxActive:    cfg.Incidents.MaxActive,
	})
	if err != nil {
		slog.Error("failed to create incident factory", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Initialize storage if enabled
	var chClient *storage.ClickHouseClient
	var incidentWriter *storage.BatchWriter[*incident.Incident]
	var decisionWriter *storage.BatchWriter[*dispatch.Decision]
	var archiver *s3store.Archiver
	var s3Client *s3store.Client

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		retention := storage.NewRetentionManager(chClient, storage.RetentionConfig{
			IncidentsTTL: cfg.Storage.Retention.IncidentsTTL,
			DecisionsTTL: cfg.Storage.Retention.DecisionsTTL,
		})
		if err := retention.ApplyTTLs(ctx); err != nil {
			slog.Warn("failed to apply retention TTLs", "error", err)
		}

		bwConfig := storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		}
		incidentWriter = storage.NewIncidentWriter(chClient, bwConfig)
		decisionWriter = storage.NewDecisionWriter(chClient, bwConfig)

		if cfg.Storage.S3.Enabled {
			s3Client, err = s3store.NewClient(ctx, &s3store.Config{
				Region:          cfg.Storage.S3.Region,
				Bucket:          cfg.Storage.S3.Bucket,
				Prefix:          cfg.Storage.S3.Prefix,
				Endpoint:        cfg.Storage.S3.Endpoint,
				AccessKeyID:     cfg.Storage.S3.AccessKeyID,
				SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
				StorageClass:    cfg.Storage.S3.StorageClass,
				UsePathStyle:    cfg.Storage.S3.UsePathStyle,
			}, logger)
			if err != nil {
				slog.Error("failed to create S3 client", "error", err)
				os.Exit(1)
			}

			archiverCfg := s3store.DefaultArchiverConfig()
			if cfg.Storage.S3.Compression != "" {
				archiverCfg.Compression = s3store.CompressionType(cfg.Storage.S3.Compression)
			}
			if cfg.Storage.S3.StorageClass != "" {
				archiverCfg.StorageClass = cfg.Storage.S3.StorageClass
			}
			archiver = s3store.NewArchiver(s3Client, archiverCfg, logger)
			slog.Info("evidence archiving enabled", "bucket", cfg.Storage.S3.Bucket)
		}

		slog.Info("storage initialized successfully")
	}

	// Initialize Kafka transport if enabled
	var eventIntake *kafka.EventIntake
	var incidentsProducer *kafka.Producer
	var decisionsProducer *kafka.Producer

	if cfg.Kafka.Enabled {
		kcfg := kafkaConfig(cfg)
		if err := kcfg.Validate(); err != nil {
			slog.Error("invalid kafka config", "error", err)
			os.Exit(1)
		}

		admin, err := kafka.NewAdmin(kcfg, logger)
		if err != nil {
			slog.Error("failed to create kafka admin", "error", err)
			os.Exit(1)
		}
		if err := kafka.EnsureCoreTopics(ctx, admin, kcfg); err != nil {
			slog.Error("failed to ensure kafka topics", "error", err)
			os.Exit(1)
		}

		eventIntake, err = kafka.NewEventIntake(kcfg, cfg.Kafka.Consumers, eventQueue, normalizer, validator, logger)
		if err != nil {
			slog.Error("failed to create kafka event intake", "error", err)
			os.Exit(1)
		}

		incidentsProducer, err = kafka.NewProducer(kcfg.WithTopic(kcfg.IncidentsTopic), logger)
		if err != nil {
			slog.Error("failed to create incidents producer", "error", err)
			os.Exit(1)
		}
		decisionsProducer, err = kafka.NewProducer(kcfg.WithTopic(kcfg.DecisionsTopic), logger)
		if err != nil {
			slog.Error("failed to create decisions producer", "error", err)
			os.Exit(1)
		}

		slog.Info("kafka transport initialized", "brokers", cfg.Kafka.Brokers, "topic", kcfg.Topic)
	}

	// Decision emitters: always log, plus Kafka and ClickHouse when wired.
	emitters := []dispatch.Emitter{dispatch.NewLogEmitter(logger)}
	if decisionsProducer != nil {
		emitters = append(emitters, dispatch.NewProducerEmitter(decisionsProducer))
	}
	if decisionWriter != nil {
		emitters = append(emitters, &decisionStore{writer: decisionWriter})
	}

	dispatcher := dispatch.NewDispatcher(registry, catalog, emitters...)

	// Incident results flow to dispatch first, then persistence paths.
	factory.AddHandler(func(ctx context.Context, res *incident.Result) error {
		_, err := dispatcher.Dispatch(ctx, res)
		return err
	})
	if incidentWriter != nil {
		factory.AddHandler(func(_ context.Context, res *incident.Result) error {
			return incidentWriter.Write(res.Incident)
		})
	}
	if incidentsProducer != nil {
		factory.AddHandler(func(ctx context.Context, res *incident.Result) error {
			return incidentsProducer.ProduceJSON(ctx, res.Incident.ID, res.Incident)
		})
	}
	if archiver != nil {
		factory.AddHandler(func(ctx context.Context, res *incident.Result) error {
			_, err := archiver.Archive(ctx, res.Incident)
			return err
		})
	}

	eng.AddHandler(func(ctx context.Context, trig *engine.Trigger) error {
		_, err := factory.CreateOrUpdate(ctx, trig)
		return err
	})

	eng.Start(ctx)

	queueConsumer := consumer.New(eventQueue, eng, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	})
	queueConsumer.Start(ctx)

	if eventIntake != nil {
		if err := eventIntake.Start(); err != nil {
			slog.Error("failed to start kafka event intake", "error", err)
			os.Exit(1)
		}
	}

	// DTLS intake if enabled
	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			Workers:           cfg.Ingest.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			ConnectionTimeout: cfg.Ingest.DTLS.ConnectionTimeout,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
		}, normalizer, validator, eventQueue, logger)
		if err != nil {
			slog.Error("failed to create DTLS server", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start DTLS server", "error", err)
			os.Exit(1)
		}
	}

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", handler.HandleEvents)
	mux.HandleFunc("GET /healthz", handler.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/stats", statsHandler(eng, handler, eventQueue, factory, dispatcher))
	mux.HandleFunc("GET /v1/incidents", incidentsHandler(factory))
	mux.HandleFunc("POST /v1/models/reload", reloadHandler(cfg, registry, catalog))

	// Apply middleware
	wrappedHandler, err := ingest.WithMiddleware(mux, cfg)
	if err != nil {
		slog.Error("failed to build middleware chain", "error", err)
		os.Exit(1)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrappedHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start HTTP server
	go func() {
		slog.Info("starting engine server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown: stop intake first, drain the pipeline, then close
	// the persistence paths.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	if eventIntake != nil {
		if err := eventIntake.Stop(); err != nil {
			slog.Error("kafka intake stop error", "error", err)
		}
	}

	cancel()

	queueConsumer.Stop()
	eng.Stop()

	if incidentsProducer != nil {
		if err := incidentsProducer.Close(); err != nil {
			slog.Error("incidents producer close error", "error", err)
		}
	}
	if decisionsProducer != nil {
		if err := decisionsProducer.Close(); err != nil {
			slog.Error("decisions producer close error", "error", err)
		}
	}

	if incidentWriter != nil {
		if err := incidentWriter.Close(); err != nil {
			slog.Error("incident writer close error", "error", err)
		}
	}
	if decisionWriter != nil {
		if err := decisionWriter.Close(); err != nil {
			slog.Error("decision writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	eventQueue.Close()

	// Log final metrics
	queueMetrics := eventQueue.Metrics()
	engineStats := eng.Stats()
	dispatchStats := dispatcher.Stats()
	slog.Info("shutdown complete",
		"events_pushed", queueMetrics.Pushed,
		"events_popped", queueMetrics.Popped,
		"events_dropped", queueMetrics.Dropped,
		"events_processed", engineStats.EventsProcessed,
		"triggers", engineStats.Triggers,
		"incidents_created", factory.Created(),
		"incidents_updated", factory.Updated(),
		"decisions_dispatched", dispatchStats.Dispatched,
		"decisions_unmapped", dispatchStats.Unmapped,
	)

	if incidentWriter != nil {
		iw := incidentWriter.Metrics()
		dw := decisionWriter.Metrics()
		slog.Info("storage metrics",
			"incidents_written", iw.Written,
			"incidents_failed", iw.Failed,
			"decisions_written", dw.Written,
			"decisions_failed", dw.Failed,
		)
	}
}

// loadModels gathers the active model set: builtin patterns unless
// disabled, plus any model files under the configured directory. A missing
// directory is not an error so a fresh checkout runs on builtins alone.
func loadModels(cfg *config.Config) ([]*model.OperationalModel, error) {
	var models []*model.OperationalModel
	if !cfg.Models.DisableBuiltin {
		models = model.Builtin()
	}

	if cfg.Models.Dir != "" {
		if _, err := os.Stat(cfg.Models.Dir); err == nil {
			fromDir, err := model.LoadDir(cfg.Models.Dir)
			if err != nil {
				return nil, err
			}
			models = append(models, fromDir...)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return models, nil
}

// kafkaConfig maps the operational Kafka settings onto the transport
// config, leaving tuning knobs at their transport defaults.
func kafkaConfig(cfg *config.Config) *kafka.Config {
	kcfg := kafka.DefaultConfig()
	kcfg.Brokers = cfg.Kafka.Brokers
	if cfg.Kafka.Topic != "" {
		kcfg.Topic = cfg.Kafka.Topic
	}
	if cfg.Kafka.IncidentsTopic != "" {
		kcfg.IncidentsTopic = cfg.Kafka.IncidentsTopic
	}
	if cfg.Kafka.DecisionsTopic != "" {
		kcfg.DecisionsTopic = cfg.Kafka.DecisionsTopic
	}
	if cfg.Kafka.ConsumerGroup != "" {
		kcfg.ConsumerGroup = cfg.Kafka.ConsumerGroup
	}
	if cfg.Kafka.Partitions > 0 {
		kcfg.Partitions = cfg.Kafka.Partitions
	}
	if cfg.Kafka.ReplicationFactor > 0 {
		kcfg.ReplicationFactor = cfg.Kafka.ReplicationFactor
	}
	if cfg.Kafka.SecurityProtocol != "" {
		kcfg.SecurityProtocol = cfg.Kafka.SecurityProtocol
	}
	kcfg.SASLMechanism = cfg.Kafka.SASLMechanism
	kcfg.SASLUsername = cfg.Kafka.SASLUsername
	kcfg.SASLPassword = cfg.Kafka.SASLPassword
	kcfg.TLSEnabled = cfg.Kafka.TLSEnabled
	kcfg.TLSCertFile = cfg.Kafka.TLSCertFile
	kcfg.TLSKeyFile = cfg.Kafka.TLSKeyFile
	kcfg.TLSCAFile = cfg.Kafka.TLSCAFile
	return kcfg
}

// statsHandler serves the aggregate pipeline counters the console polls.
func statsHandler(
	eng *engine.Engine,
	handler *ingest.Handler,
	q *queue.RingBuffer,
	factory *incident.Factory,
	dispatcher *dispatch.Dispatcher,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"engine": eng.Stats(),
			"ingest": handler.Stats(),
			"queue":  q.Metrics(),
			"incidents": map[string]any{
				"active":  factory.ActiveCount(),
				"created": factory.Created(),
				"updated": factory.Updated(),
			},
			"dispatch": dispatcher.Stats(),
		})
	}
}

// incidentsHandler lists active incidents, most recently updated first.
func incidentsHandler(factory *incident.Factory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
				return
			}
			limit = n
		}

		incidents := factory.List()
		sort.Slice(incidents, func(i, j int) bool {
			return incidents[i].UpdatedAt.After(incidents[j].UpdatedAt)
		})
		if len(incidents) > limit {
			incidents = incidents[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"incidents": incidents,
			"count":     len(incidents),
		})
	}
}

// reloadHandler swaps in a fresh model snapshot. The registry reload is
// all-or-nothing, so a bad model set leaves the running snapshot intact.
func reloadHandler(cfg *config.Config, registry *model.Registry, catalog dispatch.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := loadModels(cfg)
		if err == nil {
			err = dispatch.ValidatePlaybookRefs(models, catalog)
		}
		if err == nil {
			err = registry.Reload(models)
		}
		if err != nil {
			metrics.ModelReloads.WithLabelValues("error").Inc()
			slog.Error("model reload failed", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			// Load errors carry model directory paths; the full detail
			// is in the log line above.
			json.NewEncoder(w).Encode(map[string]any{"error": sanitize.ErrorMessage(err)})
			return
		}

		metrics.ModelReloads.WithLabelValues("ok").Inc()
		metrics.ActiveModels.Set(float64(registry.Len()))

		for _, gap := range dispatch.Coverage(registry.Snapshot()) {
			slog.Warn("decision matrix gap after reload",
				"pattern_id", gap.PatternID,
				"confidence", gap.Confidence,
			)
		}

		slog.Info("models reloaded", "models", registry.Len(), "version", registry.Version())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"models":  registry.Len(),
			"version": registry.Version(),
		})
	}
}

// decisionStore adapts the ClickHouse batch writer to the dispatch
// Emitter interface.
type decisionStore struct {
	writer *storage.BatchWriter[*dispatch.Decision]
}

func (s *decisionStore) Emit(_ context.Context, d *dispatch.Decision) error {
	return s.writer.Write(d)
}
