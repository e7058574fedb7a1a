package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/notify"
	"github.com/hazyhaar/capdesk/shield"
)

var errNotObject = errors.New("body must be a JSON object")

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.Clients(),
	})
}

// handlePopup broadcasts the posted notification wrapped as {"data": ...}.
// The body is normalized so clients see the defaults applied.
func (h *Hub) handlePopup(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	n := notify.Parse(body)
	frame, err := json.Marshal(map[string]any{"data": n})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sent := h.Broadcast(ChannelPopup, frame)
	shield.GetLogger(r.Context()).Info("hub: notification broadcast", "title", n.Title, "clients", sent)
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "clients": sent})
}

// handleForm broadcasts a form descriptor. The body may be the descriptor
// or {"data": descriptor}; a missing form_id is minted here so the caller
// can match responses.
func (h *Hub) handleForm(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(body, &env) == nil && forms.HasFields(env.Data) {
		body = env.Data
	}
	if !forms.HasFields(body) {
		writeError(w, http.StatusUnprocessableEntity, errors.New("form needs a non-empty fields list"))
		return
	}
	d, err := forms.ParseDescriptor(body)
	if err == nil && len(d.Fields) == 0 {
		err = forms.ErrNoFields
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	frame, err := json.Marshal(map[string]any{"data": d})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sent := h.Broadcast(ChannelForm, frame)
	shield.GetLogger(r.Context()).Info("hub: form broadcast", "form_id", d.ID, "clients", sent)
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "form_id": d.ID, "clients": sent})
}

func (h *Hub) handleResponses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Responses(r.URL.Query().Get("form_id")))
}

// readObject reads the body and checks it is a JSON object.
func readObject(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, errNotObject
	}
	return data, nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit))
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
