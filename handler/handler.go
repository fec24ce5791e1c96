// Package handler implements the HTTP and WebSocket handlers of the lantern
// server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/lantern/computed"
	"github.com/m-lab/lantern/data"
	"github.com/m-lab/lantern/lantern"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/metric"
	"github.com/m-lab/lantern/results"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/throttling"
)

const (
	// MetricsURLPath is the URL path of the metrics endpoint.
	MetricsURLPath = "/v1/metrics"
	// StreamURLPath is the URL path of the streaming endpoint.
	StreamURLPath = "/v1/simulate/stream"
	// SecWebSocketProtocol is the WebSocket subprotocol of StreamURLPath.
	SecWebSocketProtocol = "net.measurementlab.lantern.v1"
)

// ErrBadRequest is wrapped by errors caused by the request content.
var ErrBadRequest = errors.New("bad request")

// Request is the body of a metrics request.
type Request struct {
	Trace       json.RawMessage `json:"trace"`
	DevtoolsLog json.RawMessage `json:"devtoolsLog"`
	// Settings override the settings of the server. Fields not set keep
	// the server defaults.
	Settings json.RawMessage `json:"settings,omitempty"`
	// Metrics lists the metrics to compute, all of them when empty.
	Metrics []metric.Name `json:"metrics,omitempty"`
}

// Handler handles lantern requests.
type Handler struct {
	// Upgrader is the WebSocket upgrader.
	Upgrader websocket.Upgrader

	// DataDir is the directory where results are saved. Results are not
	// saved when empty.
	DataDir  string
	Compress bool

	// Store persists metric results across requests. May be nil.
	Store computed.Store

	// Settings are the defaults of requests. Nil means
	// throttling.DefaultSettings.
	Settings *throttling.Settings
}

// warnAndClose emits message as a warning and then sends a Bad Request
// response to the client using writer.
func warnAndClose(writer http.ResponseWriter, message string) {
	logging.Logger.Warn(message)
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

// settings returns the defaults of h overridden by raw.
func (h *Handler) settings(raw json.RawMessage) (*throttling.Settings, error) {
	s := throttling.DefaultSettings()
	if h.Settings != nil {
		s = h.Settings.Clone()
	}
	if len(raw) > 0 {
		// JSON is YAML, so the yaml decoder reads both.
		if err := throttling.UpdateSettings(s, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	return s, nil
}

// run computes the report of req and saves it when DataDir is set.
func (h *Handler) run(ctx context.Context, req *Request, observer simulator.Observer) (*data.LanternResult, error) {
	s, err := h.settings(req.Settings)
	if err != nil {
		return nil, err
	}
	result := data.NewLanternResult(s)
	result.GitShortCommit = prometheusx.GitShortCommit
	c := lantern.NewContext(s)
	c.Store = h.Store
	c.Observer = observer
	report, err := c.Compute(ctx, &lantern.Artifacts{Trace: req.Trace, DevtoolsLog: req.DevtoolsLog}, req.Metrics...)
	result.Finish(report, err)
	if errors.Is(err, lantern.ErrNoArtifacts) || errors.Is(err, throttling.ErrInvalidSettings) || errors.Is(err, throttling.ErrUnknownMethod) {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if h.DataDir != "" {
		if _, err := results.Save(h.DataDir, result, h.Compress); err != nil {
			logging.Logger.WithError(err).Warn("handler: cannot save result")
		}
	}
	return result, err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Logger.WithError(err).Warn("handler: cannot write response")
	}
}

// Metrics computes the metrics of the page load in the request body and
// responds with the archival result.
func (h *Handler) Metrics(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req := &Request{}
	if err := json.NewDecoder(request.Body).Decode(req); err != nil {
		warnAndClose(writer, fmt.Sprintf("Metrics: cannot decode request: %s", err))
		return
	}
	result, err := h.run(request.Context(), req, nil)
	if errors.Is(err, ErrBadRequest) {
		warnAndClose(writer, fmt.Sprintf("Metrics: %s", err))
		return
	}
	if err != nil {
		logging.Logger.WithError(err).Warn("Metrics: run failed")
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, result)
}

// Message is one message of the stream endpoint. Exactly one field is set.
type Message struct {
	Label  string                `json:"label,omitempty"`
	Timing *simulator.NodeTiming `json:"timing,omitempty"`
	Result *data.LanternResult   `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// streamObserver writes every node timing to a websocket. The simulations
// of the metrics run concurrently and the websocket takes one writer at a
// time.
type streamObserver struct {
	mu   sync.Mutex
	conn *websocket.Conn
	err  error
}

func (o *streamObserver) write(m *Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.err = o.conn.WriteJSON(m)
	return o.err
}

// Observe implements simulator.Observer. Write errors stop the stream but
// not the simulation.
func (o *streamObserver) Observe(label string, t simulator.NodeTiming) {
	o.write(&Message{Label: label, Timing: &t})
}

// Stream upgrades to a WebSocket, reads one Request message and streams
// the node timings of every simulation as they complete, followed by the
// result.
func (h *Handler) Stream(writer http.ResponseWriter, request *http.Request) {
	logging.Logger.Debug("Stream: upgrading to WebSockets")
	if request.Header.Get("Sec-WebSocket-Protocol") != SecWebSocketProtocol {
		warnAndClose(writer, "Stream: missing Sec-WebSocket-Protocol in request")
		return
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", SecWebSocketProtocol)
	conn, err := h.Upgrader.Upgrade(writer, request, headers)
	if err != nil {
		warnAndClose(writer, fmt.Sprintf("Stream: cannot UPGRADE to WebSocket: %s", err))
		return
	}
	defer warnonerror.Close(conn, "Stream: ignoring conn.Close result")

	req := &Request{}
	if err := conn.ReadJSON(req); err != nil {
		logging.Logger.WithError(err).Warn("Stream: cannot read request")
		return
	}
	observer := &streamObserver{conn: conn}
	result, err := h.run(request.Context(), req, observer)
	final := &Message{Result: result}
	if err != nil {
		final = &Message{Error: err.Error()}
	}
	if err := observer.write(final); err != nil {
		logging.Logger.WithError(err).Warn("Stream: cannot write result")
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	observer.mu.Lock()
	defer observer.mu.Unlock()
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		logging.Logger.WithError(err).Debug("Stream: cannot write close message")
	}
}
