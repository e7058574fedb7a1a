package journal

import (
	"context"
	"fmt"
	"time"
)

// NotificationRow is one stored notification.
type NotificationRow struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Level      string    `json:"type"`
	DurationMS int64     `json:"duration_ms"`
	ReceivedAt time.Time `json:"received_at"`
}

// ResponseRow is one stored form response.
type ResponseRow struct {
	ID        string    `json:"id"`
	FormID    string    `json:"form_id"`
	Status    string    `json:"status"`
	Payload   string    `json:"payload"`
	Delivered bool      `json:"delivered"`
	SentAt    time.Time `json:"sent_at"`
}

// CaptureRow is one stored capture, without the image.
type CaptureRow struct {
	ID         string    `json:"id"`
	Outcome    string    `json:"outcome"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	HasImage   bool      `json:"has_image"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats counts rows per table.
type Stats struct {
	Notifications int `json:"notifications"`
	Forms         int `json:"forms"`
	Responses     int `json:"responses"`
	Captures      int `json:"captures"`
}

func clampLimit(n int) int {
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}

// Notifications returns the most recent notifications first.
func (j *Journal) Notifications(ctx context.Context, limit int) ([]NotificationRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, channel, title, message, level, duration_ms, received_at
		 FROM notifications ORDER BY received_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRow
	for rows.Next() {
		var r NotificationRow
		var at int64
		if err := rows.Scan(&r.ID, &r.Channel, &r.Title, &r.Message, &r.Level, &r.DurationMS, &at); err != nil {
			return nil, fmt.Errorf("journal: scan notification: %w", err)
		}
		r.ReceivedAt = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Responses returns the responses recorded for formID, oldest first.
// An empty formID lists every response.
func (j *Journal) Responses(ctx context.Context, formID string) ([]ResponseRow, error) {
	q := `SELECT id, form_id, status, payload, delivered, sent_at FROM form_responses`
	var args []any
	if formID != "" {
		q += ` WHERE form_id = ?`
		args = append(args, formID)
	}
	q += ` ORDER BY sent_at, rowid`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list responses: %w", err)
	}
	defer rows.Close()

	var out []ResponseRow
	for rows.Next() {
		var r ResponseRow
		var delivered int
		var at int64
		if err := rows.Scan(&r.ID, &r.FormID, &r.Status, &r.Payload, &delivered, &at); err != nil {
			return nil, fmt.Errorf("journal: scan response: %w", err)
		}
		r.Delivered = delivered != 0
		r.SentAt = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Captures returns the most recent captures first.
func (j *Journal) Captures(ctx context.Context, limit int) ([]CaptureRow, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, outcome, x, y, width, height, png IS NOT NULL, error, started_at, finished_at
		 FROM captures ORDER BY started_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: list captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureRow
	for rows.Next() {
		var r CaptureRow
		var hasImage int
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Outcome, &r.X, &r.Y, &r.Width, &r.Height, &hasImage, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("journal: scan capture: %w", err)
		}
		r.HasImage = hasImage != 0
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CaptureImage returns the stored PNG of capture id, nil when none was kept.
func (j *Journal) CaptureImage(ctx context.Context, id string) ([]byte, error) {
	var png []byte
	err := j.db.QueryRowContext(ctx, `SELECT png FROM captures WHERE id = ?`, id).Scan(&png)
	if err != nil {
		return nil, fmt.Errorf("journal: capture %s: %w", id, err)
	}
	return png, nil
}

// Stats counts the rows of every table.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM notifications),
		(SELECT COUNT(*) FROM forms),
		(SELECT COUNT(*) FROM form_responses),
		(SELECT COUNT(*) FROM captures)`).Scan(&s.Notifications, &s.Forms, &s.Responses, &s.Captures)
	if err != nil {
		return Stats{}, fmt.Errorf("journal: stats: %w", err)
	}
	return s, nil
}
