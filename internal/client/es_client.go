package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"security-core/internal/audit"
	"security-core/internal/config"
	"security-core/internal/util"
)

// ElasticEventSink indexes high-severity audit entries into Elasticsearch
// so operators can search them during incident forensics. Lower severities
// stay in the in-memory log (and the ClickHouse archive when enabled).
type ElasticEventSink struct {
	client *elasticsearch.Client
	config *config.ElasticsearchConfig
	logger *zap.Logger
}

func NewElasticEventSink(cfg *config.Config, logger *zap.Logger) (*ElasticEventSink, error) {
	esConfig := cfg.Elastic

	elasticConfig := elasticsearch.Config{
		Addresses: []string{esConfig.URL},
		Username:  esConfig.Username,
		Password:  esConfig.Password,
	}

	client, err := elasticsearch.NewClient(elasticConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	sink := &ElasticEventSink{
		client: client,
		config: &esConfig,
		logger: logger,
	}

	if err := sink.HealthCheck(); err != nil {
		return nil, fmt.Errorf("elasticsearch connection test failed: %w", err)
	}

	util.Info("Elasticsearch event sink initialized",
		zap.String("url", esConfig.URL),
		zap.String("index", esConfig.Index),
	)

	return sink, nil
}

// Write indexes one entry. Entries below high severity are skipped.
func (e *ElasticEventSink) Write(ctx context.Context, entry audit.Entry) error {
	if entry.Severity != audit.SeverityHigh {
		return nil
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      e.config.Index,
		DocumentID: entry.ID,
		Body:       bytes.NewReader(body),
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index audit entry: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch index error: %s", res.String())
	}

	e.logger.Debug("High-severity event indexed",
		zap.String("event_id", entry.ID),
		zap.String("event_type", entry.Type),
	)
	return nil
}

func (e *ElasticEventSink) HealthCheck() error {
	res, err := e.client.Info()
	if err != nil {
		return fmt.Errorf("failed to get cluster info: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (e *ElasticEventSink) Close() {
	util.Info("Elasticsearch event sink shutdown")
}
