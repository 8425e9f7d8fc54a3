package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/supervisor"
)

// JobSource reports the progress of scheduled jobs
type JobSource interface {
	Health() []supervisor.JobHealth
}

// Cluster is the view of the replicated store used by the readiness check.
// It is nil when the store runs standalone.
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// JobsResponse lists every scheduled job and whether it is keeping up
type JobsResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Jobs      []supervisor.JobHealth `json:"jobs"`
}

// newMux registers the HTTP endpoints
func (s *Server) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.HandleFunc("/ready", getOnly(s.readyHandler))
	mux.HandleFunc("/jobs", getOnly(s.jobsHandler))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// readyHandler implements the /ready endpoint. The process is ready when
// every critical component is registered and healthy and, in clustered
// mode, a raft leader is known.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	readiness := metrics.GetReadiness()

	checks := readiness.Components
	if checks == nil {
		checks = make(map[string]string)
	}
	ready := readiness.Status == "ready"
	message := readiness.Message

	if s.cluster != nil {
		switch {
		case s.cluster.IsLeader():
			checks["raft"] = "leader"
		case s.cluster.LeaderAddr() != "":
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", s.cluster.LeaderAddr())
		default:
			checks["raft"] = "no leader elected"
			ready = false
			if message == "" {
				message = "Waiting for leader election"
			}
		}
	}

	response := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	statusCode := http.StatusOK
	if !ready {
		response.Status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// jobsHandler implements the /jobs endpoint. It answers 503 when any job is
// stale.
func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	response := JobsResponse{Timestamp: time.Now(), Jobs: []supervisor.JobHealth{}}
	statusCode := http.StatusOK

	if s.jobs != nil {
		response.Jobs = s.jobs.Health()
	}
	for _, j := range response.Jobs {
		if !j.Healthy {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
