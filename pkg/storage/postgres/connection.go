package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/storage"
)

// ConnectionManager holds the primary connection and optional read replicas.
// Writes and anything read under a subscription lock go to the primary;
// catalog listings and sync sweeps may use a replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
}

// NewConnectionManager opens and pings the primary and every replica.
// Unreachable replicas are skipped.
func NewConnectionManager(ctx context.Context, config storage.Config) (*ConnectionManager, error) {
	primary, err := open(ctx, config.PostgresURL, config.PostgresMaxConns, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}

	cm := &ConnectionManager{primary: primary}

	replicaMaxConns := config.PostgresMaxConns / 2
	if replicaMaxConns < 2 {
		replicaMaxConns = 2
	}
	for _, url := range ParseReplicaURLs(config.PostgresReplicaURLs) {
		replica, err := open(ctx, url, replicaMaxConns, config)
		if err != nil {
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	return cm, nil
}

// NewConnectionManagerFromDB wraps an existing handle, mainly for tests
func NewConnectionManagerFromDB(primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	return &ConnectionManager{primary: primary, replicas: replicas}
}

func open(ctx context.Context, url string, maxConns int, config storage.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(config.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, config.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection, falling back
// to the primary
func (cm *ConnectionManager) Replica() *sql.DB {
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// ReplicaCount returns the number of connected replicas
func (cm *ConnectionManager) ReplicaCount() int {
	return len(cm.replicas)
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}
	for i, replica := range cm.replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica %d close error: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ReportPoolStats publishes the primary pool usage to the DB gauges
func (cm *ConnectionManager) ReportPoolStats(metrics *observability.Metrics) {
	if metrics == nil {
		return
	}
	stats := cm.primary.Stats()
	metrics.DBConnectionsActive.Set(float64(stats.InUse))
	metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}

// ParseReplicaURLs splits a comma-separated list, dropping blanks
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
