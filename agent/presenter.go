package agent

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/notify"
)

// Presenter puts notifications and forms in front of the user. Show calls
// must not block; answers to forms come back through Agent.RespondForm.
type Presenter interface {
	ShowNotification(ctx context.Context, n notify.Notification)
	ShowForm(ctx context.Context, d forms.Descriptor)
	DismissForm(ctx context.Context, formID string)
}

// LogPresenter writes everything to a logger. It is the presenter of the
// headless agent, where forms are answered over MCP.
type LogPresenter struct {
	Logger *slog.Logger
}

func (p LogPresenter) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p LogPresenter) ShowNotification(ctx context.Context, n notify.Notification) {
	p.logger().InfoContext(ctx, "notification",
		"title", n.Title,
		"message", n.Message,
		"type", string(n.Level),
		"duration_ms", n.Duration.Milliseconds())
}

func (p LogPresenter) ShowForm(ctx context.Context, d forms.Descriptor) {
	keys := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		keys = append(keys, f.Key)
	}
	p.logger().InfoContext(ctx, "form",
		"form_id", d.ID,
		"title", d.Title,
		"target_client", d.TargetClient,
		"fields", keys)
}

func (p LogPresenter) DismissForm(ctx context.Context, formID string) {
	p.logger().DebugContext(ctx, "form dismissed", "form_id", formID)
}
