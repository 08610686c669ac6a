package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"security-core/internal/audit"
	"security-core/internal/client"
	"security-core/internal/clock"
	"security-core/internal/config"
	"security-core/internal/crypto"
	"security-core/internal/keys"
	"security-core/internal/session"
	"security-core/internal/token"
	"security-core/internal/util"
)

// Factory constructs and owns every component of the security core, wiring
// explicit instances instead of package singletons so tests can build
// isolated cores.
type Factory struct {
	config *config.Config
	clk    clock.Clock

	// Optional external integrations
	kafkaNotifier  *client.KafkaAlertNotifier
	clickhouseSink *client.ClickHouseAuditSink
	elasticSink    *client.ElasticEventSink
	kmsSource      *client.KMSKeySource

	// Core components
	keyManager        *keys.Manager
	securityLogger    *audit.Logger
	sessionManager    *session.Manager
	tokenManager      *token.Manager
	encryptionManager *crypto.Manager

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all components. The
// optional Kafka/ClickHouse/Elasticsearch/KMS integrations degrade
// gracefully outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		clk:    clock.New(),
		closed: make(chan struct{}),
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializeCore()
	f.startBackgroundTasks()

	util.Info("Security core initialized",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_alerts", f.kafkaNotifier != nil),
		util.Bool("clickhouse_archive", f.clickhouseSink != nil),
		util.Bool("elasticsearch_index", f.elasticSink != nil),
		util.Bool("kms_keys", f.kmsSource != nil),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	var initErrors []error

	if f.config.Kafka.Enabled {
		if notifier, err := client.NewKafkaAlertNotifier(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaNotifier = notifier
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := notifier.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("kafka health check: %w", err))
			} else {
				util.Info("Kafka alert notifier healthy")
			}
			cancel()
		}
	}

	if f.config.Clickhouse.Enabled {
		if sink, err := client.NewClickHouseAuditSink(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseSink = sink
		}
	}

	if f.config.Elastic.Enabled {
		if sink, err := client.NewElasticEventSink(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.elasticSink = sink
		}
	}

	if f.config.KMS.Enabled {
		if source, err := client.NewKMSKeySource(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsSource = source
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical integration initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Integration initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeCore() {
	sec := f.config.Security

	var sinks []audit.Sink
	if f.clickhouseSink != nil {
		sinks = append(sinks, f.clickhouseSink)
	}
	if f.elasticSink != nil {
		sinks = append(sinks, f.elasticSink)
	}

	var notifier audit.Notifier
	if f.kafkaNotifier != nil {
		notifier = f.kafkaNotifier
	}

	var source keys.MaterialSource
	if f.kmsSource != nil {
		source = f.kmsSource
	}

	f.securityLogger = audit.NewLogger(sec.AuditLogCapacity, f.clk, notifier, sinks, util.Get())
	f.keyManager = keys.NewManager(sec.UserKeyTTL, f.clk, source, util.Get())
	f.sessionManager = session.NewManager(sec, f.config.Sharding.SessionShards, f.clk, f.securityLogger, util.Get())
	f.tokenManager = token.NewManager(sec, f.keyManager, f.clk, f.securityLogger, util.Get())
	f.encryptionManager = crypto.NewManager(sec, f.keyManager, f.securityLogger, util.Get())
}

func (f *Factory) startBackgroundTasks() {
	f.sessionManager.Start()
	f.tokenManager.Start()
}

// HealthCheck reports per-integration health. The core components are
// in-memory and always healthy once constructed.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.kafkaNotifier != nil {
		if err := f.kafkaNotifier.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.clickhouseSink != nil {
		if err := f.clickhouseSink.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.elasticSink != nil {
		if err := f.elasticSink.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.HealthCheck(ctx)) == 0
}

// Close stops background tasks and tears down integrations.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down security core...")

		f.sessionManager.Stop()
		f.tokenManager.Stop()

		if f.clickhouseSink != nil {
			if err := f.clickhouseSink.Close(); err != nil {
				util.Error("Failed to close ClickHouse sink", util.ErrorField(err))
			} else {
				util.Info("ClickHouse sink closed")
			}
		}

		if f.elasticSink != nil {
			f.elasticSink.Close()
		}

		if f.kafkaNotifier != nil {
			if err := f.kafkaNotifier.Close(); err != nil {
				util.Error("Failed to close Kafka notifier", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Security core shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) KeyManager() *keys.Manager {
	return f.keyManager
}

func (f *Factory) SecurityLogger() *audit.Logger {
	return f.securityLogger
}

func (f *Factory) SessionManager() *session.Manager {
	return f.sessionManager
}

func (f *Factory) TokenManager() *token.Manager {
	return f.tokenManager
}

func (f *Factory) EncryptionManager() *crypto.Manager {
	return f.encryptionManager
}
