package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore implements GraphStore over the Bolt driver. One session is
// opened per batch; the driver pools connections underneath.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
}

// Neo4jConfig carries connection settings.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
	// BatchTimeout bounds each batch transaction. Default 30s.
	BatchTimeout time.Duration
}

// NewNeo4j connects and verifies the graph store.
func NewNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Neo4jStore{driver: driver, database: cfg.Database, timeout: timeout}, nil
}

// ExecuteBatch runs one statement in a write transaction.
func (s *Neo4jStore) ExecuteBatch(ctx context.Context, cypher string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("graph batch: %w", err)
	}
	return nil
}

// Close shuts the driver down.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
