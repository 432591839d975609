package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// tracking upgraded gifts
type UpgradeStore interface {
	// checks if an upgrade was already recorded for the pair
	IsDone(ctx context.Context, source, giftKey string) (bool, error)

	// records a successful upgrade; idempotent
	MarkDone(ctx context.Context, source, giftKey string) error

	// releases any resources, could be a noop if not required
	Close() error
}

func stateKey(source, giftKey string) string {
	return source + ":" + giftKey
}

// ───────── File store ─────────

// FileUpgradeStore persists the dedup map as a JSON object keyed
// "<source>:<gift key>" with unix timestamps as values. Every mutation
// rewrites the file via temp-then-rename so a crash never corrupts
// prior state.
type FileUpgradeStore struct {
	mu   sync.Mutex
	path string
	done map[string]int64
}

func NewFileUpgradeStore(path string) *FileUpgradeStore {
	s := &FileUpgradeStore{path: path, done: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("State file unreadable, starting fresh")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.done); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("State file corrupted, starting fresh")
		s.done = make(map[string]int64)
	}
	return s
}

func (s *FileUpgradeStore) IsDone(ctx context.Context, source, giftKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.done[stateKey(source, giftKey)]
	return exists, nil
}

func (s *FileUpgradeStore) MarkDone(ctx context.Context, source, giftKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done[stateKey(source, giftKey)] = time.Now().UTC().Unix()
	return s.save()
}

func (s *FileUpgradeStore) save() error {
	data, err := json.MarshalIndent(s.done, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (s *FileUpgradeStore) Close() error {
	return nil
}

// ───────── In-memory store ─────────

type InMemoryUpgradeStore struct {
	mu   sync.RWMutex
	done map[string]int64
}

func NewInMemoryUpgradeStore() *InMemoryUpgradeStore {
	return &InMemoryUpgradeStore{done: make(map[string]int64)}
}

func (m *InMemoryUpgradeStore) IsDone(ctx context.Context, source, giftKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.done[stateKey(source, giftKey)]
	return exists, nil
}

func (m *InMemoryUpgradeStore) MarkDone(ctx context.Context, source, giftKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.done[stateKey(source, giftKey)] = time.Now().UTC().Unix()
	return nil
}

func (m *InMemoryUpgradeStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.done = nil
	return nil
}

// ───────── Postgres store ─────────

// PostgresUpgradeStore shares the dedup map across instances through a
// single table. Schema:
//
//	CREATE TABLE upgraded_gifts (
//	    source      TEXT NOT NULL,
//	    gift_key    TEXT NOT NULL,
//	    upgraded_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (source, gift_key)
//	);
type PostgresUpgradeStore struct {
	db *sql.DB
}

func NewPostgresUpgradeStore(databaseURL string) (*PostgresUpgradeStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresUpgradeStore{db: db}, nil
}

func (p *PostgresUpgradeStore) IsDone(ctx context.Context, source, giftKey string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM upgraded_gifts WHERE source = $1 AND gift_key = $2)",
		source, giftKey,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresUpgradeStore) MarkDone(ctx context.Context, source, giftKey string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO upgraded_gifts (source, gift_key, upgraded_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (source, gift_key) DO NOTHING`,
		source, giftKey, time.Now().UTC(),
	)
	return err
}

func (p *PostgresUpgradeStore) Close() error {
	return p.db.Close()
}

// ───────── Audit log ─────────

// AuditEvent is one immutable decision/outcome record.
type AuditEvent struct {
	ID         string `json:"id"`
	Event      string `json:"ev"`
	Source     string `json:"source,omitempty"`
	Key        string `json:"key,omitempty"`
	Need       int64  `json:"need,omitempty"`
	Prepaid    bool   `json:"prepaid,omitempty"`
	CanUpgrade bool   `json:"can_up,omitempty"`
	Err        string `json:"err,omitempty"`
	TS         string `json:"ts"`
}

// AuditLog appends newline-delimited JSON events. Append failures are
// logged and swallowed: auditing never blocks an upgrade.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path}
}

func (a *AuditLog) Append(ev AuditEvent) {
	ev.ID = xid.New().String()
	ev.TS = time.Now().UTC().Format(time.RFC3339)

	line, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Event).Msg("Failed to encode audit event")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Event).Msg("Failed to open audit log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Str("event", ev.Event).Msg("Failed to append audit event")
	}
}
