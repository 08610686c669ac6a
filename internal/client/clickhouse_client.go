package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"security-core/internal/audit"
	"security-core/internal/config"
	"security-core/internal/util"
)

// ClickHouseAuditSink archives every audit entry into a ClickHouse table
// for long-term retention beyond the in-memory ring buffer.
type ClickHouseAuditSink struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	logger *zap.Logger
}

func NewClickHouseAuditSink(cfg *config.Config, logger *zap.Logger) (*ClickHouseAuditSink, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{chConfig.URL},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	sink := &ClickHouseAuditSink{
		conn:   conn,
		config: &chConfig,
		logger: logger,
	}

	if err := sink.ensureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	util.Info("ClickHouse audit sink initialized",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database),
		zap.String("table", chConfig.Table),
	)

	return sink, nil
}

func (s *ClickHouseAuditSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			event_time DateTime64(9, 'UTC'),
			event_type LowCardinality(String),
			severity LowCardinality(String),
			details String,
			hash String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(event_time)
		ORDER BY (event_time, event_type)`, s.config.Table)

	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Write inserts one audit entry. Called asynchronously by the audit
// logger; errors are reported, never propagated to the logging caller.
func (s *ClickHouseAuditSink) Write(ctx context.Context, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal entry details: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, event_time, event_type, severity, details, hash) VALUES (?, ?, ?, ?, ?, ?)",
		s.config.Table,
	)
	if err := s.conn.Exec(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.Type,
		string(entry.Severity),
		string(details),
		entry.Hash,
	); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *ClickHouseAuditSink) HealthCheck(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseAuditSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
