package analytics

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// ClickHouseConfig configures the optional durable mirror.
type ClickHouseConfig struct {
	DSN      string
	Database string
	Table    string
}

// ClickHouseSink mirrors every appended record into a ClickHouse table,
// adapted from the teacher's ClickHouseExporter (internal/long-term-archives)
// from a job-archive batch writer to a per-record analytics mirror.
type ClickHouseSink struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

func NewClickHouseSink(cfg ClickHouseConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := clickhouse.OpenDB(&clickhouse.Options{Addr: []string{cfg.DSN}, Auth: clickhouse.Auth{Database: cfg.Database}})
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("analytics: clickhouse ping: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "analytics_events"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		stream String,
		plugin_id String,
		timestamp DateTime64(3),
		fields String
	) ENGINE = MergeTree() ORDER BY timestamp`, table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("analytics: clickhouse ensure table: %w", err)
	}

	return &ClickHouseSink{db: db, table: table, logger: logger}, nil
}

func (s *ClickHouseSink) Mirror(stream Stream, r Record) error {
	fieldsJSON, err := marshalFields(r.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("INSERT INTO %s (stream, plugin_id, timestamp, fields) VALUES (?, ?, ?, ?)", s.table),
		string(stream), r.PluginID, r.Timestamp, fieldsJSON)
	return err
}

func (s *ClickHouseSink) Close() error { return s.db.Close() }

func marshalFields(fields map[string]interface{}) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
