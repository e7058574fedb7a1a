package agent

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/capdesk/capture"
	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/kit"
)

// RegisterMCP registers the desk tools on an MCP server.
func (a *Agent) RegisterMCP(srv *mcp.Server) {
	a.registerCaptureTool(srv)
	a.registerStatusTool(srv)
	a.registerPendingTool(srv)
	a.registerRespondTool(srv)
	a.registerReportTool(srv)
	a.registerFAQTool(srv)
	a.registerAskTool(srv)
}

func (a *Agent) wrap(op string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(a.logger, op))(ep)
}

// --- capdesk_capture ---

type captureReq struct {
	Hide         []string `json:"hide"`
	Exclude      []string `json:"exclude"`
	IncludeImage bool     `json:"include_image"`
}

type captureResp struct {
	ID         string       `json:"id"`
	Outcome    string       `json:"outcome"`
	Rect       capture.Rect `json:"rect"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	DataURI    string       `json:"data_uri,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

func (a *Agent) registerCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_capture",
		Description: "Let the user drag a rectangle over the desk page and return the selected region as a PNG. Blocks until the selection ends.",
		InputSchema: kit.InputSchema(map[string]any{
			"hide":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "CSS selectors hidden during the capture"},
			"exclude":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "CSS selectors left out of the image"},
			"include_image": map[string]any{"type": "boolean", "description": "Return the PNG as a data URI"},
		}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*captureReq)
		res, err := a.Capture(ctx, capture.Request{Hide: r.Hide, Exclude: r.Exclude})
		if err != nil {
			return nil, err
		}
		out := captureResp{
			ID:         res.ID,
			Outcome:    res.Outcome.String(),
			Rect:       res.Rect,
			DurationMS: res.Finished.Sub(res.Started).Milliseconds(),
		}
		if res.Image != nil {
			b := res.Image.Bounds()
			out.Width, out.Height = b.Dx(), b.Dy()
		}
		if r.IncludeImage {
			out.DataURI = res.DataURI
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		return out, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("capture", endpoint), kit.DecodeArgs[captureReq]())
}

// --- capdesk_channel_status ---

func (a *Agent) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_channel_status",
		Description: "Connection state and counters of the notification and form channels.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"channels": a.Status()}, nil
	}
	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("channel_status", endpoint), decode)
}

// --- capdesk_forms_pending ---

func (a *Agent) registerPendingTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_forms_pending",
		Description: "Forms received from the server, or opened locally, that have not been answered yet.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"forms": a.Pending()}, nil
	}
	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("forms_pending", endpoint), decode)
}

// --- capdesk_form_respond ---

type respondReq struct {
	FormID string         `json:"form_id"`
	Values map[string]any `json:"values"`
	Cancel bool           `json:"cancel"`
}

func (a *Agent) registerRespondTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_form_respond",
		Description: "Submit values for a pending form, or cancel it. Invalid values come back per field.",
		InputSchema: kit.InputSchema(map[string]any{
			"form_id": map[string]any{"type": "string"},
			"values":  map[string]any{"type": "object", "description": "Field key to value"},
			"cancel":  map[string]any{"type": "boolean"},
		}, "form_id"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*respondReq)
		resp, err := a.RespondForm(ctx, r.FormID, r.Values, r.Cancel)
		var verr *forms.ValidationError
		if errors.As(err, &verr) {
			return map[string]any{"status": "invalid", "errors": verr.Fields}, nil
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("form_respond", endpoint), kit.DecodeArgs[respondReq]())
}

// --- capdesk_report ---

func (a *Agent) registerReportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_report",
		Description: "Open the local incident report form. Answer it with capdesk_form_respond.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return a.OpenReport(ctx), nil
	}
	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("report", endpoint), decode)
}

// --- capdesk_faq_list ---

type faqReq struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

type faqItem struct {
	ID       int    `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (a *Agent) registerFAQTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_faq_list",
		Description: "One page of the help-desk FAQ, answers rendered as markdown.",
		InputSchema: kit.InputSchema(map[string]any{
			"page": map[string]any{"type": "integer", "minimum": 1},
			"size": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
		}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*faqReq)
		c, err := a.Backend()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		p, err := c.FAQPage(ctx, r.Page, r.Size)
		if err != nil {
			return nil, err
		}
		items := make([]faqItem, 0, len(p.Items))
		for _, f := range p.Items {
			items = append(items, faqItem{ID: f.ID, Question: f.Question, Answer: f.ProcedeText()})
		}
		return map[string]any{"items": items, "pagination": p.Pagination}, nil
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("faq_list", endpoint), kit.DecodeArgs[faqReq]())
}

// --- capdesk_ask ---

type askReq struct {
	Question string `json:"question"`
}

func (a *Agent) registerAskTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "capdesk_ask",
		Description: "Ask the help-desk assistant a question.",
		InputSchema: kit.InputSchema(map[string]any{
			"question": map[string]any{"type": "string"},
		}, "question"),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*askReq)
		c, err := a.Backend()
		if err != nil {
			return nil, err
		}
		return c.Ask(ctx, r.Question)
	}

	kit.RegisterMCPTool(srv, tool, a.wrap("ask", endpoint), kit.DecodeArgs[askReq]())
}
