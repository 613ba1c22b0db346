package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds Neo4j connection settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	URI             string        `yaml:"uri"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

// DefaultConfig returns the default graph configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		URI:             "bolt://localhost:7687",
		Username:        "neo4j",
		Database:        "neo4j",
		EnsureSchema:    true,
		WriteTimeout:    10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 120 * time.Millisecond,
	}
}

// Writer applies graph batches.
type Writer interface {
	Apply(ctx context.Context, b *Batch) error
}

type statement struct {
	cypher string
	params map[string]any
}

// Store writes batches to Neo4j.
type Store struct {
	driver neo4j.DriverWithContext
	cfg    Config
	logger *slog.Logger

	exec      func(ctx context.Context, stmts []statement) error
	retryable func(error) bool
}

// Open connects to Neo4j and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URI == "" {
		return nil, errors.New("graph: uri is required")
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: create driver: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(pingCtx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: verify connectivity: %w", err)
	}

	s := newStore(cfg, logger)
	s.driver = driver
	s.exec = s.run

	if cfg.EnsureSchema {
		if err := s.ensureSchema(ctx); err != nil {
			logger.Warn("failed to ensure graph constraints", "error", err)
		}
	}

	logger.Info("connected to neo4j", "uri", cfg.URI, "database", cfg.Database)
	return s, nil
}

func newStore(cfg Config, logger *slog.Logger) *Store {
	return &Store{cfg: cfg, logger: logger, retryable: isRetryable}
}

// Apply merges the batch in one write transaction. Transient failures and
// merge races are retried with exponential backoff; other errors return at
// once.
func (s *Store) Apply(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	stmts, err := compile(b)
	if err != nil {
		return err
	}

	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	eb := backoff.NewExponentialBackOff()
	if s.cfg.InitialInterval > 0 {
		eb.InitialInterval = s.cfg.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, s.cfg.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := s.exec(ctx, stmts)
		if err == nil {
			return nil
		}
		if !s.retryable(err) {
			return backoff.Permanent(err)
		}
		s.logger.Debug("graph write failed, retrying", "attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("graph: apply batch (%d nodes, %d edges): %w", len(b.Nodes), len(b.Edges), err)
	}
	return nil
}

func (s *Store) run(ctx context.Context, stmts []statement) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.cypher, st.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (s *Store) ensureSchema(ctx context.Context) error {
	seen := make(map[string]bool)
	var stmts []statement
	for _, k := range Kinds() {
		name := strings.ToLower(k.Label + "_" + k.Key)
		if seen[name] {
			continue
		}
		seen[name] = true
		stmts = append(stmts, statement{
			cypher: fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)", name, k.Label, k.Key),
		})
	}
	// Schema commands cannot share a transaction.
	for _, st := range stmts {
		if err := s.exec(ctx, []statement{st}); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.driver == nil {
		return errors.New("graph: not connected")
	}
	return s.driver.VerifyConnectivity(ctx)
}

// Close closes the driver.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

func isRetryable(err error) bool {
	if neo4j.IsRetryable(err) {
		return true
	}
	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		return strings.Contains(ne.Code, "ConstraintValidationFailed")
	}
	return false
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// compile turns a batch into parameterized statements. Labels, keys and
// relationship types cannot be parameters, so they are checked against an
// identifier pattern.
func compile(b *Batch) ([]statement, error) {
	stmts := make([]statement, 0, len(b.Nodes)+len(b.Edges))

	for _, n := range b.Nodes {
		if err := checkKind(n.Kind); err != nil {
			return nil, err
		}
		set := "SET n += $props"
		if n.CreateOnly {
			set = "ON CREATE SET n += $props"
		}
		props := n.Props
		if props == nil {
			props = map[string]any{}
		}
		stmts = append(stmts, statement{
			cypher: fmt.Sprintf("MERGE (n:%s {%s: $key}) %s", n.Kind.Label, n.Kind.Key, set),
			params: map[string]any{"key": n.Key, "props": props},
		})
	}

	for _, e := range b.Edges {
		if err := checkKind(e.From.Kind); err != nil {
			return nil, err
		}
		if err := checkKind(e.To.Kind); err != nil {
			return nil, err
		}
		if !identifier.MatchString(e.Type) {
			return nil, fmt.Errorf("graph: invalid relationship type %q", e.Type)
		}
		props := e.Props
		if props == nil {
			props = map[string]any{}
		}
		stmts = append(stmts, statement{
			cypher: fmt.Sprintf(
				"MATCH (a:%s {%s: $from}) MATCH (b:%s {%s: $to}) MERGE (a)-[r:%s]->(b) SET r += $props",
				e.From.Kind.Label, e.From.Kind.Key, e.To.Kind.Label, e.To.Kind.Key, e.Type,
			),
			params: map[string]any{"from": e.From.Key, "to": e.To.Key, "props": props},
		})
	}

	return stmts, nil
}

func checkKind(k NodeKind) error {
	if !identifier.MatchString(k.Label) || !identifier.MatchString(k.Key) {
		return fmt.Errorf("graph: invalid node kind %s.%s", k.Label, k.Key)
	}
	return nil
}
