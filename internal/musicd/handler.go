package musicd

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/abgandar/gophonic/internal/httpx"
	"github.com/abgandar/gophonic/internal/route"
)

// statusResponse is the wire shape for GET /api/status.
type statusResponse struct {
	State    State  `json:"state"`
	Track    string `json:"track"`
	Position int    `json:"position_s"`
	Volume   int    `json:"volume"`
}

type controlRequest struct {
	Action string `json:"action"`
	Value  int    `json:"value"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errResponse struct {
	Error string `json:"error"`
}

// Handlers adapts a Service to the route.Handler interface expected by the
// dynamic table entries cmd/gophonicd registers under /api/.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Status serves GET /api/status.
func (h *Handlers) Status(ex *route.Exchange) route.Result {
	snap := h.svc.Status()
	return writeJSON(ex, 200, statusResponse{
		State:    snap.State,
		Track:    snap.Track,
		Position: snap.Position,
		Volume:   snap.Volume,
	})
}

// Playlist serves GET /api/playlist.
func (h *Handlers) Playlist(ex *route.Exchange) route.Result {
	return writeJSON(ex, 200, h.svc.Playlist())
}

// Control serves POST /api/control.
func (h *Handlers) Control(ex *route.Exchange) route.Result {
	var req controlRequest
	if err := json.Unmarshal(ex.Body(), &req); err != nil {
		return writeJSON(ex, 400, errResponse{Error: "malformed json body"})
	}
	if err := h.svc.Control(req.Action, req.Value); err != nil {
		return writeJSON(ex, 400, errResponse{Error: err.Error()})
	}
	return writeJSON(ex, 200, okResponse{OK: true})
}

// Reboot serves POST /api/reboot.
func (h *Handlers) Reboot(ex *route.Exchange) route.Result {
	h.svc.Reboot()
	return writeJSON(ex, 200, okResponse{OK: true})
}

func writeJSON(ex *route.Exchange, status int, v interface{}) route.Result {
	body, err := json.Marshal(v)
	if err != nil {
		body, _ = json.Marshal(errResponse{Error: "internal encoding error"})
		status = 500
	}

	hdr := httpx.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	ex.Response = &httpx.Response{
		StatusCode: status,
		Status:     statusText(status),
		Header:     hdr,
		Body:       bytes.NewReader(body),
	}
	return route.ResultOK
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 500:
		return "Internal Server Error"
	default:
		return ""
	}
}
