package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// PostgresStore keeps records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, checks the connection and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("open database:\n%w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database:\n%w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations:\n%w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attestation_records (
		id VARCHAR(64) PRIMARY KEY,
		pubkey VARCHAR(64) NOT NULL,
		subject VARCHAR(64),
		kind INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		raw JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_subject ON attestation_records(subject, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_pubkey ON attestation_records(pubkey, created_at DESC);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Publish inserts a signed record. Duplicates are ignored.
func (s *PostgresStore) Publish(ctx context.Context, ev *nostr.Event) error {
	if err := attestation.CheckSignature(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode record:\n%w", err)
	}

	var subject sql.NullString
	if hex, ok := SubjectOf(ev); ok {
		if id, err := identity.FromHex(hex); err == nil {
			subject = sql.NullString{String: id.String(), Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO attestation_records (id, pubkey, subject, kind, created_at, raw)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.PubKey, subject, ev.Kind, int64(ev.CreatedAt), raw)
	if err != nil {
		return fmt.Errorf("insert record:\n%w", err)
	}

	return nil
}

// Query selects matching records newest first.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*nostr.Event, error) {
	query, args := buildQuery(f)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records:\n%w", err)
	}
	defer rows.Close()

	var out []*nostr.Event

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row:\n%w", err)
		}

		var ev nostr.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}

		out = append(out, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return Finalize(out, f.Limit), nil
}

// buildQuery renders f as a parameterized SELECT.
func buildQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(f.Subjects) > 0 {
		add("subject = ANY($%d)", pq.Array(identity.NewSet(f.Subjects...).Strings()))
	}

	if len(f.Authors) > 0 {
		add("pubkey = ANY($%d)", pq.Array(identity.NewSet(f.Authors...).Strings()))
	}

	if len(f.Kinds) > 0 {
		kinds := make([]int64, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int64(k)
		}

		add("kind = ANY($%d)", pq.Array(kinds))
	}

	var b strings.Builder
	b.WriteString("SELECT raw FROM attestation_records")

	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	b.WriteString(" ORDER BY created_at DESC, id ASC")

	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return b.String(), args
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
