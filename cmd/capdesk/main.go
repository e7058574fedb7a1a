// CLAUDE:SUMMARY CLI entry point for capdesk: desk agent, MCP stdio server, dev push hub and unattended capture.
// Command capdesk runs the help-desk agent.
//
// Usage:
//
//	capdesk -config capdesk.yaml run                       # agent: both push channels, journal
//	capdesk -config capdesk.yaml mcp                       # agent plus MCP tools on stdio
//	capdesk -config capdesk.yaml hub                       # development push server
//	capdesk -url https://intranet -rect 10,10,300,200 -out shot.png capture
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/capdesk/agent"
	"github.com/hazyhaar/capdesk/backend"
	"github.com/hazyhaar/capdesk/browser"
	"github.com/hazyhaar/capdesk/capture"
	"github.com/hazyhaar/capdesk/config"
	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/hub"
	"github.com/hazyhaar/capdesk/journal"
	"github.com/hazyhaar/capdesk/push"
)

const version = "0.3.0"

type options struct {
	configPath string
	logLevel   string
	pageURL    string
	rect       string
	out        string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to capdesk.yaml")
	flag.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&o.pageURL, "url", "", "page to capture (overrides browser.start_url)")
	flag.StringVar(&o.rect, "rect", "", "capture mode: region to select, as x,y,width,height")
	flag.StringVar(&o.out, "out", "capture.png", "capture mode: output PNG path")
	flag.Parse()

	mode := flag.Arg(0)
	if mode == "" {
		mode = "run"
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// stdout belongs to the MCP transport in mcp mode.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "run":
		err = runAgent(ctx, logger, cfg, false)
	case "mcp":
		err = runAgent(ctx, logger, cfg, true)
	case "hub":
		err = runHub(ctx, logger, cfg)
	case "capture":
		err = runCapture(ctx, logger, cfg, o)
	default:
		fmt.Fprintln(os.Stderr, "usage: capdesk [-config file] run | mcp | hub | capture")
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("capdesk: fatal", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, logger *slog.Logger, cfg *config.Config, withMCP bool) error {
	notifPolicy, err := cfg.NotificationPolicy()
	if err != nil {
		return err
	}
	formPolicy, err := cfg.FormPolicy()
	if err != nil {
		return err
	}

	bc, err := backend.New(cfg.Backend.URL,
		backend.WithLogger(logger),
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithBreaker(cfg.BackendBreaker()),
		backend.WithRetry(max(cfg.Backend.Retries, 0), cfg.Backend.Backoff))
	if err != nil {
		return err
	}

	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		opts := []journal.Option{journal.WithLogger(logger)}
		if cfg.Journal.KeepImages {
			opts = append(opts, journal.WithImages())
		}
		jr, err = journal.Open(cfg.Journal.Path, opts...)
		if err != nil {
			return err
		}
		defer jr.Close()
	}

	notifCfg := push.NotificationConfig(cfg.NotificationURL(), logger)
	notifCfg.Reconnect = notifPolicy
	formCfg := push.FormConfig(cfg.FormURL(), logger)
	formCfg.Reconnect = formPolicy
	if cfg.ClientID != "" {
		for _, c := range []*push.Config{&notifCfg, &formCfg} {
			c.Header = http.Header{"X-Client-ID": []string{cfg.ClientID}}
		}
	}

	acfg := agent.Config{
		Notification: notifCfg,
		Form:         formCfg,
		Backend:      bc,
		Journal:      jr,
		ClientID:     cfg.ClientID,
		CaptureDefaults: capture.Request{
			Hide:    cfg.Capture.Hide,
			Exclude: cfg.Capture.Exclude,
		},
		Logger: logger,
	}

	// Captures need a page; without a start URL the agent runs without them.
	if cfg.Browser.StartURL != "" {
		page, closeBrowser, err := openPage(ctx, logger, cfg, cfg.Browser.StartURL)
		if err != nil {
			logger.Warn("capdesk: capture disabled", "error", err)
		} else {
			defer closeBrowser()
			acfg.Capturer = capture.NewManager(page, page, page, capture.WithLogger(logger))
		}
	}

	a := agent.New(acfg)
	if !withMCP {
		logger.Info("capdesk: agent started",
			"notification", cfg.NotificationURL(),
			"form", cfg.FormURL(),
			"backend", bc.BaseURL())
		return a.Run(ctx)
	}

	srv := mcp.NewServer(&mcp.Implementation{Name: "capdesk", Version: version}, nil)
	a.RegisterMCP(srv)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(ctx) }()

	logger.Info("capdesk: mcp server on stdio", "tools", 7)
	err = srv.Run(ctx, &mcp.StdioTransport{})
	cancel()
	<-agentDone
	return err
}

func runHub(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	h := hub.New(hub.Config{
		History:      cfg.Hub.History,
		MaxBodyBytes: cfg.Hub.MaxBodyBytes,
		TriggerLimit: 60,
		OnResponse: func(r forms.Response) {
			logger.Info("hub: form response", "form_id", r.FormID, "status", r.Status, "target_client", r.TargetClient)
		},
		Logger: logger,
	})
	h.StartGC(ctx)

	srv := &http.Server{
		Addr:              cfg.Hub.Listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("hub: listening", "addr", cfg.Hub.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		h.Close()
		return err
	case <-ctx.Done():
	}
	logger.Info("hub: shutting down")
	h.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub: shutdown: %w", err)
	}
	return nil
}

// runCapture selects o.rect on the page by driving the mouse over the
// overlay, then writes the PNG.
func runCapture(ctx context.Context, logger *slog.Logger, cfg *config.Config, o options) error {
	rect, err := parseRect(o.rect)
	if err != nil {
		return err
	}
	pageURL := o.pageURL
	if pageURL == "" {
		pageURL = cfg.Browser.StartURL
	}
	if pageURL == "" {
		return errors.New("capture: -url or browser.start_url is required")
	}

	page, closeBrowser, err := openPage(ctx, logger, cfg, pageURL)
	if err != nil {
		return err
	}
	defer closeBrowser()

	mgr := capture.NewManager(page, page, page, capture.WithLogger(logger))
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	type outcome struct {
		res capture.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := mgr.Capture(ctx, capture.Request{Hide: cfg.Capture.Hide, Exclude: cfg.Capture.Exclude})
		done <- outcome{res, err}
	}()

	// The overlay appears once the guard has hidden the page chrome.
	for {
		err := page.Drive(ctx, rect)
		if err == nil {
			break
		}
		select {
		case out := <-done:
			if out.err != nil {
				return out.err
			}
			return fmt.Errorf("capture: ended before the drag: %s: %v", out.res.Outcome, out.res.Err)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	out := <-done
	if out.err != nil {
		return out.err
	}
	if out.res.Outcome != capture.Succeeded {
		return fmt.Errorf("capture: %s: %v", out.res.Outcome, out.res.Err)
	}
	if err := os.WriteFile(o.out, out.res.PNG, 0o644); err != nil {
		return fmt.Errorf("capture: write %s: %w", o.out, err)
	}
	logger.Info("capture: written", "path", o.out, "id", out.res.ID, "bytes", len(out.res.PNG))
	return nil
}

func openPage(ctx context.Context, logger *slog.Logger, cfg *config.Config, pageURL string) (*browser.Page, func(), error) {
	mgr := browser.NewManager(cfg.BrowserManagerConfig(logger))
	if _, err := mgr.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("browser start: %w", err)
	}
	page, err := browser.Open(ctx, mgr, pageURL)
	if err != nil {
		mgr.Close()
		return nil, nil, err
	}
	return page, func() {
		page.Close()
		mgr.Close()
	}, nil
}

func parseRect(s string) (capture.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return capture.Rect{}, fmt.Errorf("capture: -rect %q: want x,y,width,height", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return capture.Rect{}, fmt.Errorf("capture: -rect %q: %w", s, err)
		}
		v[i] = f
	}
	r := capture.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.BelowThreshold() {
		return capture.Rect{}, fmt.Errorf("capture: -rect %q: smaller than %dpx", s, capture.MinSelectionSize)
	}
	return r, nil
}
