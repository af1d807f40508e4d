// Package postgres provides a PostgreSQL-backed transcript sink. It is an
// external collaborator of the bridge: it consumes the public listener
// stream and never touches the relay path, so a slow or down database costs
// dropped notifications at worst, never call audio.
//
// Usage:
//
//	sink, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	mgr := bridge.NewManager(bridge.ManagerConfig{
//	    Dialer:   dialer,
//	    OnCreate: sink.Attach,
//	})
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dialvox/dialvox/internal/bridge"
	"github.com/dialvox/dialvox/pkg/speech"
)

const ddl = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id        BIGSERIAL    PRIMARY KEY,
    call_id   TEXT         NOT NULL,
    role      TEXT         NOT NULL,
    content   TEXT         NOT NULL,
    spoken_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_call_id
    ON call_transcripts (call_id);

CREATE TABLE IF NOT EXISTS call_outcomes (
    call_id   TEXT         PRIMARY KEY,
    degraded  BOOLEAN      NOT NULL DEFAULT FALSE,
    ended_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

// writeTimeout bounds one insert. Transcript writes are best-effort.
const writeTimeout = 5 * time.Second

// Sink records conversation turns and call outcomes to PostgreSQL.
// All methods are safe for concurrent use.
type Sink struct {
	pool *pgxpool.Pool
	wg   sync.WaitGroup
}

// New connects to the database at dsn and ensures the transcript schema
// exists.
func New(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript sink: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript sink: migrate: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Attach subscribes the sink to a bridge's listener stream and consumes it
// until the bridge closes. Intended as the manager's OnCreate hook.
func (s *Sink) Attach(b *bridge.Bridge) {
	_, ch := b.Listeners().Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ch)
	}()
}

// Ping reports database reachability, for readiness checks.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close waits for in-flight consumers to finish their streams and releases
// the pool. Call after the bridge manager has shut down, so every listener
// channel is already closed.
func (s *Sink) Close() {
	s.wg.Wait()
	s.pool.Close()
}

// consume drains one bridge's notification stream into the database.
func (s *Sink) consume(ch <-chan bridge.Notification) {
	for n := range ch {
		switch n.Kind {
		case bridge.KindSpeech:
			text, ok := n.Event.(speech.ConversationText)
			if !ok {
				continue
			}
			s.writeTurn(n.CallID, text, n.Time)
		case bridge.KindLifecycle:
			if n.State == bridge.Closed {
				s.writeOutcome(n.CallID, n.Degraded, n.Time)
			}
		}
	}
}

func (s *Sink) writeTurn(callID string, text speech.ConversationText, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	const q = `
		INSERT INTO call_transcripts (call_id, role, content, spoken_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, callID, text.Role, text.Content, at); err != nil {
		slog.Warn("transcript write failed", "call_id", callID, "err", err)
	}
}

func (s *Sink) writeOutcome(callID string, degraded bool, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	const q = `
		INSERT INTO call_outcomes (call_id, degraded, ended_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE
		SET degraded = EXCLUDED.degraded, ended_at = EXCLUDED.ended_at`
	if _, err := s.pool.Exec(ctx, q, callID, degraded, at); err != nil {
		slog.Warn("call outcome write failed", "call_id", callID, "err", err)
	}
}
