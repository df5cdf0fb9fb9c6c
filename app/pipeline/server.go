package pipeline

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	orchpkg "github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/pipeline"
	"github.com/Evan-Kim2028/mev-commit-timescaldb/pkg/utils"
)

// NewServer builds the HTTP status server. Returns nil when ADDR is empty,
// which disables the surface entirely.
func NewServer(app *App) *http.Server {
	addr := utils.Env("ADDR", "")
	if addr == "" {
		return nil
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/streams", app.handleStreams).Methods(http.MethodGet)

	app.Logger.Info("Starting status server", zap.String("addr", addr))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStreams reports the per-stream cursor and last-cycle outcome.
func (a *App) handleStreams(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]orchpkg.StreamStatus)
	a.Orchestrator.Status.Range(func(name string, status orchpkg.StreamStatus) bool {
		out[name] = status
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
