// Package eventtrail is a local, bounded SQLite log of control-plane
// events (leader changes, peer liveness flips, session lifecycle).
// It is purely observational — nothing in the replication kernel
// reads it back, and a write failure here is logged and dropped,
// never escalated, exactly like a UDP send error.
package eventtrail

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Kind names the control events this trail records.
type Kind string

const (
	KindLeaderElected Kind = "leader_elected"
	KindPeerFailed    Kind = "peer_failed"
	KindPeerRecovered Kind = "peer_recovered"
	KindSessionOpened Kind = "session_opened"
	KindSessionClosed Kind = "session_closed"
)

// Trail owns the SQLite handle and appends ControlEvent rows, pruning
// the oldest once maxRows is exceeded.
type Trail struct {
	db      *sql.DB
	maxRows int
	log     *zap.SugaredLogger
}

// Open creates (or reuses) the SQLite file at path and ensures the
// schema exists. maxRows <= 0 disables pruning.
func Open(path string, maxRows int, log *zap.SugaredLogger) (*Trail, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open event trail db: %w", err)
	}
	t := &Trail{db: db, maxRows: maxRows, log: log}
	if err := t.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trail) ensureSchema() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS control_events (
			id         TEXT PRIMARY KEY,
			ts         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			kind       TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Record appends one control event. Failures are logged, not
// propagated — this is an audit tail, not a transactional log.
func (t *Trail) Record(kind Kind, detail string) {
	id := xid.New().String()
	if _, err := t.db.Exec(
		`INSERT INTO control_events (id, kind, detail) VALUES (?, ?, ?)`,
		id, string(kind), detail,
	); err != nil {
		t.log.Debugw("event trail write failed", "kind", kind, "err", err)
		return
	}
	t.prune()
}

func (t *Trail) prune() {
	if t.maxRows <= 0 {
		return
	}
	_, err := t.db.Exec(`
		DELETE FROM control_events WHERE id NOT IN (
			SELECT id FROM control_events ORDER BY ts DESC, id DESC LIMIT ?
		)
	`, t.maxRows)
	if err != nil {
		t.log.Debugw("event trail prune failed", "err", err)
	}
}

// Close releases the SQLite handle.
func (t *Trail) Close() error {
	return t.db.Close()
}

// SessionOpened and SessionClosed let *Trail satisfy
// session.SessionObserver directly; the other components' callback
// shapes carry a status/bool the trail needs to translate into a
// Kind, so the lifecycle controller wires those as small closures
// instead (see internal/server).

func (t *Trail) SessionOpened(clientKey string) {
	t.Record(KindSessionOpened, clientKey)
}

func (t *Trail) SessionClosed(clientKey string) {
	t.Record(KindSessionClosed, clientKey)
}
