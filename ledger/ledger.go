// Package ledger implements the optional session-lifecycle audit trail of
// SPEC_FULL.md §C.1: an append-only record of SNaP2P session opens,
// authentications, and closes, kept in Postgres purely for post-hoc
// observability. Nothing in identitymgr, router, or delivery ever reads
// from it — its absence never changes routing or ACL behavior.
package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
)

// EventKind is the session lifecycle event recorded.
type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventAuthenticated EventKind = "authenticated"
	EventClosed        EventKind = "closed"
)

// Event is one row of the session_events table.
type Event struct {
	LocalPrincipal  string
	RemotePrincipal string
	Kind            EventKind
	At              time.Time
	Detail          string
}

// Ledger writes session lifecycle events to Postgres. A nil *Ledger is
// valid and every method on it is a no-op, so callers that did not
// configure sessionLedgerDSN never need a conditional.
type Ledger struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// Open connects to dsn and ensures the session_events table exists. Returns
// errs.CodeFatal on any connection or schema failure, since a configured
// ledger that cannot be reached is a startup error, not a degraded mode.
func Open(ctx context.Context, dsn string, log logger.Logger) (*Ledger, error) {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.CodeFatal, "ledger: connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.CodeFatal, "ledger: ping", err)
	}
	l := &Ledger{pool: pool, log: log}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS session_events (
			id               BIGSERIAL PRIMARY KEY,
			local_principal  TEXT NOT NULL,
			remote_principal TEXT NOT NULL,
			kind             TEXT NOT NULL,
			occurred_at      TIMESTAMPTZ NOT NULL,
			detail           TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return errs.Wrap(errs.CodeFatal, "ledger: migrate", err)
	}
	return nil
}

// Close releases the underlying connection pool. Safe to call on a nil
// *Ledger.
func (l *Ledger) Close() {
	if l == nil {
		return
	}
	l.pool.Close()
}

// Record appends ev. Failures are logged and swallowed: the ledger is
// additive telemetry, so a write failure must never propagate back into a
// session handshake or close path.
func (l *Ledger) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	const query = `
		INSERT INTO session_events (local_principal, remote_principal, kind, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := l.pool.Exec(ctx, query, ev.LocalPrincipal, ev.RemotePrincipal, string(ev.Kind), ev.At, ev.Detail); err != nil {
		l.log.Warn("ledger: record failed", logger.Error(err), logger.String("kind", string(ev.Kind)))
	}
}

// RecordOpened is a convenience wrapper for the "opened" event.
func (l *Ledger) RecordOpened(ctx context.Context, local, remote string) {
	l.Record(ctx, Event{LocalPrincipal: local, RemotePrincipal: remote, Kind: EventOpened, At: time.Now()})
}

// RecordAuthenticated is a convenience wrapper for the "authenticated" event.
func (l *Ledger) RecordAuthenticated(ctx context.Context, local, remote string) {
	l.Record(ctx, Event{LocalPrincipal: local, RemotePrincipal: remote, Kind: EventAuthenticated, At: time.Now()})
}

// RecordClosed is a convenience wrapper for the "closed" event, with detail
// carrying the close reason (e.g. "peer disconnected", "shutdown").
func (l *Ledger) RecordClosed(ctx context.Context, local, remote, detail string) {
	l.Record(ctx, Event{LocalPrincipal: local, RemotePrincipal: remote, Kind: EventClosed, At: time.Now(), Detail: detail})
}

// Recent returns the most recent n events for principal, newest first. No
// routing path and no daemon command calls it.
func (l *Ledger) Recent(ctx context.Context, principal string, n int) ([]Event, error) {
	if l == nil {
		return nil, nil
	}
	const query = `
		SELECT local_principal, remote_principal, kind, occurred_at, detail
		FROM session_events
		WHERE local_principal = $1 OR remote_principal = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := l.pool.Query(ctx, query, principal, n)
	if err != nil {
		return nil, errs.Wrap(errs.CodeFatal, "ledger: query recent", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.LocalPrincipal, &ev.RemotePrincipal, &kind, &ev.At, &ev.Detail); err != nil {
			return nil, errs.Wrap(errs.CodeFatal, "ledger: scan recent", err)
		}
		ev.Kind = EventKind(kind)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeFatal, "ledger: iterate recent", err)
	}
	return out, nil
}
