// CLAUDE:SUMMARY SQLite journal of received notifications and forms, sent form responses and capture outcomes.
// Package journal records what the desk agent received and produced, so
// a session can be audited after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/capdesk/capture"
	"github.com/hazyhaar/capdesk/dbopen"
	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/idgen"
	"github.com/hazyhaar/capdesk/push"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
    id          TEXT PRIMARY KEY,
    channel     TEXT NOT NULL,
    title       TEXT NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    level       TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at DESC);

CREATE TABLE IF NOT EXISTS forms (
    form_id       TEXT PRIMARY KEY,
    channel       TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    target_client TEXT NOT NULL DEFAULT '',
    process_id    TEXT NOT NULL DEFAULT '',
    descriptor    TEXT NOT NULL,
    received_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS form_responses (
    id        TEXT PRIMARY KEY,
    form_id   TEXT NOT NULL,
    status    TEXT NOT NULL,
    payload   TEXT NOT NULL,
    delivered INTEGER NOT NULL DEFAULT 0,
    sent_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_form_responses_form ON form_responses(form_id);

CREATE TABLE IF NOT EXISTS captures (
    id          TEXT PRIMARY KEY,
    outcome     TEXT NOT NULL,
    x           REAL NOT NULL DEFAULT 0,
    y           REAL NOT NULL DEFAULT 0,
    width       REAL NOT NULL DEFAULT 0,
    height      REAL NOT NULL DEFAULT 0,
    png         BLOB,
    error       TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_started ON captures(started_at DESC);
`

// Journal is safe for concurrent use.
type Journal struct {
	db        *sql.DB
	keepImage bool
	logger    *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithImages stores the PNG of successful captures.
func WithImages() Option { return func(j *Journal) { j.keepImage = true } }

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Open opens (or creates) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j := &Journal{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: DB is required")
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("journal: schema: %w", err)
		}
	}
	j := &Journal{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// RecordEvent stores an inbound event. A form seen twice keeps its first
// record.
func (j *Journal) RecordEvent(ctx context.Context, ev push.Event) error {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Kind {
	case push.KindNotification:
		if ev.Notification == nil {
			return fmt.Errorf("journal: notification event without payload")
		}
		n := ev.Notification
		id := n.ID
		if id == "" {
			id = idgen.Notification()
		}
		_, err := dbopen.Exec(ctx, j.db,
			`INSERT OR REPLACE INTO notifications (id, channel, title, message, level, duration_ms, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Channel, n.Title, n.Message, string(n.Level), n.Duration.Milliseconds(), at.UnixMilli())
		if err != nil {
			return fmt.Errorf("journal: record notification: %w", err)
		}
	case push.KindForm:
		if ev.Form == nil {
			return fmt.Errorf("journal: form event without payload")
		}
		d := ev.Form
		desc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("journal: encode form: %w", err)
		}
		_, err = dbopen.Exec(ctx, j.db,
			`INSERT OR IGNORE INTO forms (form_id, channel, title, target_client, process_id, descriptor, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, ev.Channel, d.Title, d.TargetClient, d.ProcessID, string(desc), at.UnixMilli())
		if err != nil {
			return fmt.Errorf("journal: record form: %w", err)
		}
	default:
		return fmt.Errorf("journal: unknown event kind %q", ev.Kind)
	}
	return nil
}

// RecordResponse stores a form response and whether it reached the server.
func (j *Journal) RecordResponse(ctx context.Context, r forms.Response, delivered bool) (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("journal: encode response: %w", err)
	}
	id := idgen.Response()
	_, err = dbopen.Exec(ctx, j.db,
		`INSERT INTO form_responses (id, form_id, status, payload, delivered, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, r.FormID, string(r.Status), string(payload), boolInt(delivered), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("journal: record response: %w", err)
	}
	return id, nil
}

// RecordCapture stores a capture outcome. The image is kept only with
// WithImages and only for successful captures.
func (j *Journal) RecordCapture(ctx context.Context, res capture.Result) error {
	id := res.ID
	if id == "" {
		id = idgen.Capture()
	}
	var png []byte
	if j.keepImage && res.Outcome == capture.Succeeded {
		png = res.PNG
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	started, finished := res.Started, res.Finished
	if started.IsZero() {
		started = time.Now()
	}
	if finished.IsZero() {
		finished = started
	}
	_, err := dbopen.Exec(ctx, j.db,
		`INSERT OR REPLACE INTO captures (id, outcome, x, y, width, height, png, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, res.Outcome.String(), res.Rect.X, res.Rect.Y, res.Rect.Width, res.Rect.Height,
		png, errText, started.UnixMilli(), finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: record capture: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
