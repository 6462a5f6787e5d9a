package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
	"gitlab.diskarte.net/engineering/redis-mirror/logfield"
)

const monitorServer = "MONITOR"

// Status is the JSON view of a run.
type Status struct {
	RunID    string          `json:"run_id"`
	Source   string          `json:"source"`
	DB       int             `json:"db"`
	Pattern  string          `json:"pattern"`
	Cursor   string          `json:"cursor"`
	Batches  int64           `json:"batches"`
	Counters schema.Counters `json:"counters"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// StatusOf converts a run state. A nil state yields a nil status.
func StatusOf(s *schema.RunState) *Status {
	if s == nil {
		return nil
	}
	st := &Status{
		RunID:    s.RunID,
		Source:   s.Source,
		DB:       s.DB,
		Pattern:  s.Pattern,
		Cursor:   string(s.Cursor),
		Batches:  s.Batches,
		Counters: s.Counters,
		Status:   s.Status.String(),
	}
	if s.Err != nil {
		st.Error = s.Err.Error()
	}
	return st
}

// Server serves /metrics, /status and /health.
type Server struct {
	metrics *Metrics
	status  func() *schema.RunState
	server  *http.Server
}

// NewServer does not listen yet. status may be nil, or return nil before a
// run starts.
func NewServer(addr string, m *Metrics, status func() *schema.RunState) *Server {
	s := &Server{metrics: m, status: status}
	s.server = &http.Server{Addr: addr, Handler: s.Router()}
	return s
}

// Router returns the routes, exported for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/status", s.getStatus).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	return r
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	var st *Status
	if s.status != nil {
		st = StatusOf(s.status())
	}
	if st == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logrus.WithFields(logrus.Fields{
			logfield.ErrorReason: err.Error(),
			logfield.Component:   monitorServer,
			logfield.Event:       "ENCODE-STATUS",
		}).Warn("error while writing status")
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		logrus.WithFields(logrus.Fields{
			logfield.Component: monitorServer,
			logfield.Event:     "START",
		}).Debugf("serving metrics at %s", ln.Addr())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				logfield.ErrorReason: err.Error(),
				logfield.Component:   monitorServer,
				logfield.Event:       "SERVE",
			}).Error("monitor server stopped")
		}
	}()
	return nil
}

// Destroy shuts the server down within a second.
func (s *Server) Destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
