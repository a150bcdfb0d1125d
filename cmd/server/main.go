package main

import (
	"fmt"
	"html/template"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miretskiy/flashsim/internal/config"
	"github.com/miretskiy/flashsim/internal/logger"
	"github.com/miretskiy/flashsim/simulator"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>flashsim</title></head>
<body>
<h1>flashsim</h1>
<p>Default policy: {{.Policy}}, {{.Blocks}} of {{.PagesPerBlock}} pages, fill {{.Fill}}</p>
<ul>
<li>WebSocket: <code>/ws</code> (commands: start, pause, reset, config_update)</li>
<li>Prometheus: <a href="/metrics">/metrics</a></li>
<li>Shutdown: <code>/quitquitquit</code></li>
</ul>
</body>
</html>
`))

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client message types
type ClientMessage struct {
	Type   string               `json:"type"`
	Config *simulator.SimConfig `json:"config,omitempty"`
}

// Server message types
type ServerMessage struct {
	Type    string                 `json:"type"`
	Session string                 `json:"session,omitempty"`
	Running *bool                  `json:"running,omitempty"`
	Config  *simulator.SimConfig   `json:"config,omitempty"`
	Metrics *simulator.Metrics     `json:"metrics,omitempty"`
	State   map[string]interface{} `json:"state,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Event   string                 `json:"event,omitempty"`
}

// simState manages the simulation state and UI pacing
type simState struct {
	sim     *simulator.Simulator
	running bool
	paused  bool
	mu      sync.Mutex
	stopCh  chan struct{}
}

func newSimState(config simulator.SimConfig) (*simState, error) {
	sim, err := simulator.NewSimulator(config)
	if err != nil {
		return nil, err
	}

	return &simState{
		sim:    sim,
		stopCh: make(chan struct{}),
	}, nil
}

// start begins the simulation (sets running flag)
func (s *simState) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.paused = false
}

// pause pauses the simulation
func (s *simState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// reset resets the simulation
func (s *simState) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.paused = false
	return s.sim.Reset()
}

// updateConfig updates the configuration
func (s *simState) updateConfig(config simulator.SimConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.UpdateConfig(config)
}

// isRunning returns true if simulation is running and not paused
func (s *simState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.paused
}

// getConfig returns the current simulator configuration
func (s *simState) getConfig() simulator.SimConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Config()
}

// step issues one batch of host writes (called by UI ticker). A fault stops
// the run; the error is reported once.
func (s *simState) step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return nil
	}
	if err := s.sim.Step(); err != nil {
		s.running = false
		return err
	}
	return nil
}

// metrics returns current metrics
func (s *simState) metrics() *simulator.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Metrics()
}

// state returns current state
func (s *simState) state() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.State()
}

// stop signals the UI loop to stop
func (s *simState) stop() {
	close(s.stopCh)
}

// uiUpdateLoop periodically calls Step() and sends updates to the client
// This runs in its own goroutine and controls UI pacing
func uiUpdateLoop(conn *safeConn, state *simState, session string) {
	ticker := time.NewTicker(500 * time.Millisecond) // 2 updates/sec
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			logger.Debug("UI update loop stopping", "session", session)
			return

		case <-ticker.C:
			if !state.isRunning() {
				continue
			}
			stepErr := state.step()

			metrics := state.metrics()
			updatePrometheusMetrics(metrics)
			if err := conn.WriteJSON(ServerMessage{Type: "metrics", Metrics: metrics}); err != nil {
				logger.Warn("error sending metrics", "session", session, "error", err)
				return
			}
			if err := conn.WriteJSON(ServerMessage{Type: "state", State: state.state()}); err != nil {
				logger.Warn("error sending state", "session", session, "error", err)
				return
			}

			if stepErr != nil {
				running := false
				msg := ServerMessage{Type: "status", Running: &running, Error: stepErr.Error()}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// server holds the configuration every new session starts from
type server struct {
	defaults simulator.SimConfig
}

func (srv *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("error upgrading connection", "error", err)
		return
	}
	defer conn.Close()

	// Wrap connection with mutex for safe concurrent writes
	safeConn := &safeConn{Conn: conn}
	session := uuid.NewString()
	logger.Info("client connected", "session", session, "remote", r.RemoteAddr)

	config := srv.defaults
	state, err := newSimState(config)
	if err != nil {
		logger.Error("error creating simulator", "session", session, "error", err)
		_ = safeConn.WriteJSON(ServerMessage{Type: "status", Error: err.Error()})
		return
	}
	state.sim.LogEvent = func(msg string) {
		_ = safeConn.WriteJSON(ServerMessage{Type: "event", Event: msg})
	}

	// Send initial status
	running := false
	statusMsg := ServerMessage{
		Type:    "status",
		Session: session,
		Running: &running,
		Config:  &config,
	}
	if err := safeConn.WriteJSON(statusMsg); err != nil {
		logger.Warn("error sending status", "session", session, "error", err)
		return
	}

	go uiUpdateLoop(safeConn, state, session)

	sendStatus := func(errMsg string) {
		running := state.isRunning()
		cfg := state.getConfig()
		_ = safeConn.WriteJSON(ServerMessage{
			Type:    "status",
			Session: session,
			Running: &running,
			Config:  &cfg,
			Error:   errMsg,
		})
	}

	// Handle messages from client
	for {
		var msg ClientMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("error reading message", "session", session, "error", err)
			}
			break
		}

		logger.Debug("received command", "session", session, "type", msg.Type)

		switch msg.Type {
		case "start":
			state.start()
			sendStatus("")

		case "pause":
			state.pause()
			sendStatus("")

		case "reset":
			errMsg := ""
			if err := state.reset(); err != nil {
				errMsg = err.Error()
			}
			sendStatus(errMsg)

		case "config_update":
			if msg.Config == nil {
				sendStatus("config_update without config")
				continue
			}
			if err := state.updateConfig(*msg.Config); err != nil {
				logger.Warn("error updating config", "session", session, "error", err)
				sendStatus(err.Error())
				continue
			}
			logger.Info("config updated", "session", session, "policy", msg.Config.Policy)
			sendStatus("")

		default:
			sendStatus(fmt.Sprintf("unknown command %q", msg.Type))
		}
	}

	state.stop()
	logger.Info("client disconnected", "session", session)
}

func (srv *server) serveHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dc := srv.defaults.DeviceConfig()
	data := map[string]interface{}{
		"Policy":        srv.defaults.Policy,
		"Blocks":        dc.CapacityBytes / dc.BlockBytes,
		"PagesPerBlock": dc.BlockBytes / dc.PageBytes,
		"Fill":          dc.FillFactor,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Error("error executing template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func quitHandler(w http.ResponseWriter, r *http.Request) {
	logger.Info("shutdown requested via /quitquitquit")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Server shutting down...")

	go func() {
		time.Sleep(100 * time.Millisecond)
		logger.Info("server stopped")
		os.Exit(0)
	}()
}

func main() {
	var cfgFile, addr string
	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve live flash GC simulations over WebSocket with Prometheus metrics",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return err
			}
			srv := &server{defaults: cfg.Simulation}

			initPrometheusMetrics()
			mux := http.NewServeMux()
			mux.HandleFunc("/", srv.serveHome)
			mux.HandleFunc("/ws", srv.handleWebSocket)
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/quitquitquit", quitHandler)

			logger.Info("server starting", "addr", addr, "policy", cfg.Simulation.Policy)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
