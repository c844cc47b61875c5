package panel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bmslab/cellbench/internal/board"
	"github.com/bmslab/cellbench/internal/cal"
	"github.com/bmslab/cellbench/internal/logger"
	"github.com/bmslab/cellbench/internal/repl"
	"github.com/bmslab/cellbench/internal/settings"
)

// Server polls the board, serves the bench API and broadcasts rail
// readings to WebSocket clients.
type Server struct {
	cfg      *Config
	prov     board.Provider
	st       *settings.Store
	calStore *cal.Store
	webFS    fs.FS
	logger   *logger.Logger

	// calMu serializes every calibration store access, including the rail
	// conversions the provider performs during a poll.
	calMu sync.Mutex

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Board *BoardStatus       `json:"board,omitempty"`
	Rails *board.RailReading `json:"rails,omitempty"`
	Cal   *CalStatus         `json:"cal,omitempty"`
	Stamp int64              `json:"stamp"` // Unix ms
}

// BoardStatus describes the provider link.
type BoardStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// CalStatus summarizes the calibration profile for clients.
type CalStatus struct {
	Loaded         bool   `json:"loaded"`
	LastCalibrated string `json:"lastCalibrated,omitempty"`
	AgeSeconds     int64  `json:"ageSeconds,omitempty"`
}

// New creates a new Server. webFS holds the embedded panel assets and may
// be nil for a headless API.
func New(cfg *Config, prov board.Provider, st *settings.Store, calStore *cal.Store, webFS fs.FS) *Server {
	return &Server{
		cfg:      cfg,
		prov:     prov,
		st:       st,
		calStore: calStore,
		webFS:    webFS,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the rail polling loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[panel] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// Handler returns the panel routes. Split out from Run so tests can mount
// them on their own listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/calibration/defaults", s.handleCalDefaults)
	mux.HandleFunc("/api/calibration/save", s.handleCalSave)
	mux.HandleFunc("/api/calibration/code", s.handleCalCode)
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/board/reset", s.handleBoardReset)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send initial board + calibration status
	if data, err := json.Marshal(s.statusFrame()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.statusFrame())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.broadcast(s.statusFrame())

		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.calMu.Lock()
	snap := s.calStore.Snapshot()
	s.calMu.Unlock()
	writeJSON(w, snap)
}

func (s *Server) handleCalDefaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.calMu.Lock()
	s.calStore.ApplyDefaults(cal.DefaultHardware)
	s.calMu.Unlock()

	s.broadcast(s.statusFrame())
	writeOK(w)
}

func (s *Server) handleCalSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.calMu.Lock()
	err := s.calStore.Save(s.st)
	s.calMu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.st.Save(); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.broadcast(s.statusFrame())
	writeOK(w)
}

type calCodeRequest struct {
	Channel   string  `json:"channel"` // "cell" or "temp"
	Series    int     `json:"series"`
	Parallel  int     `json:"parallel"`
	Target    float64 `json:"target"`
	Reference float64 `json:"reference"` // measured 5V rail when zero
}

type calCodeResponse struct {
	Code      int     `json:"code"`
	Reference float64 `json:"reference"`
}

// handleCalCode converts a target voltage into a DAC code. The DAC output
// scales with the 5V rail, so when the request carries no reference the
// live rail measurement is used.
func (s *Server) handleCalCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req calCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	var dac cal.DAC
	switch req.Channel {
	case "cell":
		dac = cal.DACCell
	case "temp":
		dac = cal.DACTemp
	default:
		http.Error(w, "channel must be cell or temp", 400)
		return
	}

	ref := req.Reference
	if ref == 0 {
		if s.prov == nil || !s.prov.IsConnected() {
			http.Error(w, "no reference: board not connected", 400)
			return
		}
		s.calMu.Lock()
		rails, err := s.prov.Rails()
		s.calMu.Unlock()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if !rails.Calibrated {
			http.Error(w, "no reference: rails not calibrated", 400)
			return
		}
		ref = rails.Rail5V
	}

	s.calMu.Lock()
	code, err := s.calStore.DACCode(dac, req.Series, req.Parallel, req.Target, ref)
	s.calMu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, calCodeResponse{Code: code, Reference: ref})
}

type executeRequest struct {
	Code string `json:"code"`
}

type executeResponse struct {
	Output string `json:"output"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	out, err := s.prov.Exec(req.Code)
	if err != nil {
		status := 500
		if errors.Is(err, repl.ErrNotASCII) {
			status = 400
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, executeResponse{Output: out})
}

// handleBoardReset restarts a connected board, or retries the connection
// when the link has been lost.
func (s *Server) handleBoardReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var err error
	if s.prov.IsConnected() {
		err = s.prov.Reset()
	} else {
		err = s.prov.Connect()
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.broadcast(s.statusFrame())
	writeOK(w)
}

// pollLoop samples the rails at the configured rate and broadcasts frames.
func (s *Server) pollLoop(ctx context.Context) {
	pollMs := s.cfg.Board.PollMs
	if pollMs <= 0 {
		pollMs = 1000
	}
	ticker := time.NewTicker(time.Duration(pollMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			frame := s.statusFrame()
			if s.prov != nil && s.prov.IsConnected() {
				s.calMu.Lock()
				rails, err := s.prov.Rails()
				s.calMu.Unlock()
				if err != nil {
					log.Printf("[panel] rail poll failed: %v", err)
				} else {
					frame.Rails = rails
					s.logger.Record(rails)
				}
			}
			s.broadcast(frame)
		}
	}
}

func (s *Server) statusFrame() Frame {
	return Frame{
		Board: s.boardStatus(),
		Cal:   s.calStatus(),
		Stamp: time.Now().UnixMilli(),
	}
}

func (s *Server) boardStatus() *BoardStatus {
	if s.prov == nil {
		return &BoardStatus{}
	}
	return &BoardStatus{Name: s.prov.Name(), Connected: s.prov.IsConnected()}
}

func (s *Server) calStatus() *CalStatus {
	s.calMu.Lock()
	defer s.calMu.Unlock()

	st := &CalStatus{Loaded: s.calStore.Loaded()}
	if ts, ok := cal.LastCalibrated(s.st); ok {
		st.LastCalibrated = ts.Format(time.RFC3339)
		st.AgeSeconds = int64(time.Since(ts).Seconds())
	}
	return st
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
