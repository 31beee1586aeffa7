// Package api — HTTP/WebSocket пульт сессии: кнопки (start, pause, stop, parameters, clear),
// статус и поток сэмплов для внешнего отрисовщика графиков.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/C-Metcalf/PIDTester/internal/logger"
	"github.com/C-Metcalf/PIDTester/internal/session"
	"github.com/C-Metcalf/PIDTester/internal/telemetry"
)

// DefaultRedraw — период отправки новых сэмплов клиентам
const DefaultRedraw = 100 * time.Millisecond

// Controller — то, что пульт требует от сессии (реализует *session.Session)
type Controller interface {
	Start() error
	Pause() error
	Stop() error
	Apply(kp, ki, kd, setpoint string) error
	ClearGraph()
	Status() session.Status
	PV() *telemetry.Sink
	SP() *telemetry.Sink
	Done() <-chan struct{}
	Err() error
}

// Config — параметры сервера
type Config struct {
	Addr   string
	Redraw time.Duration
}

// Server — HTTP сервер пульта
type Server struct {
	ctl    Controller
	addr   string
	redraw time.Duration

	upgrader   websocket.Upgrader
	httpServer *http.Server

	clientsMu sync.Mutex
	clients   map[int64]*wsClient
	nextID    *atomic.Int64
}

// New создаёт сервер для сессии ctl
func New(cfg Config, ctl Controller) *Server {
	if cfg.Redraw <= 0 {
		cfg.Redraw = DefaultRedraw
	}
	s := &Server{
		ctl:     ctl,
		addr:    cfg.Addr,
		redraw:  cfg.Redraw,
		clients: make(map[int64]*wsClient),
		nextID:  atomic.NewInt64(0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler возвращает маршруты сервера
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start", s.action(s.ctl.Start))
	mux.HandleFunc("/api/pause", s.action(s.ctl.Pause))
	mux.HandleFunc("/api/stop", s.action(s.ctl.Stop))
	mux.HandleFunc("/api/clear", s.action(func() error {
		s.ctl.ClearGraph()
		return nil
	}))
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

// Start запускает сервер; блокирует до Stop (возвращает http.ErrServerClosed).
// Stop, вызванный раньше Start, тоже приводит к немедленному возврату.
func (s *Server) Start() error {
	logger.Info("пульт слушает %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop закрывает клиентов WebSocket и сервер
func (s *Server) Stop() error {
	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientsMu.Unlock()

	return s.httpServer.Close()
}

// parametersRequest — четыре текстовых поля как их ввёл пользователь.
// Числа JSON тоже принимаются и проверяются так же, как текст.
type parametersRequest struct {
	Kp       json.RawMessage `json:"kp"`
	Ki       json.RawMessage `json:"ki"`
	Kd       json.RawMessage `json:"kd"`
	Setpoint json.RawMessage `json:"setpoint"`
}

type statusResponse struct {
	session.Status
	Error string `json:"error,omitempty"`
}

type telemetryResponse struct {
	Trace    string             `json:"trace"`
	Capacity int                `json:"capacity"`
	Samples  []telemetry.Sample `json:"samples"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := fn(); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.status())
	}
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req parametersRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	err := s.ctl.Apply(fieldText(req.Kp), fieldText(req.Ki), fieldText(req.Kd), fieldText(req.Setpoint))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	trace := q.Get("trace")
	if trace == "" {
		trace = "pv"
	}
	sink := s.sink(trace)
	if sink == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown trace " + strconv.Quote(trace)})
		return
	}
	var since uint64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since: " + err.Error()})
			return
		}
		since = n
	}
	s.writeJSON(w, http.StatusOK, telemetryResponse{
		Trace:    trace,
		Capacity: sink.Cap(),
		Samples:  sink.Since(since),
	})
}

func (s *Server) sink(trace string) *telemetry.Sink {
	switch trace {
	case "pv":
		return s.ctl.PV()
	case "sp":
		return s.ctl.SP()
	default:
		return nil
	}
}

func (s *Server) status() statusResponse {
	resp := statusResponse{Status: s.ctl.Status()}
	if err := s.ctl.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *session.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: ve.Field})
	case errors.Is(err, session.ErrClosed):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("api: запись ответа: %v", err)
	}
}

// fieldText возвращает строку JSON как есть, число — его текстом, отсутствие — пустую строку
func fieldText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
