// Package status serves the Prometheus metrics and a JSON summary of the
// current playback session.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Snapshot is the body of GET /status.
type Snapshot struct {
	Station    string `json:"station,omitempty"`
	State      string `json:"state"`
	NowPlaying string `json:"now_playing,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Stations   int    `json:"stations"`
}

// SnapshotFunc reports the state at the time of the request.
type SnapshotFunc func() Snapshot

func NewRouter(snapshot SnapshotFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status", handleStatus(snapshot)).Methods(http.MethodGet)
	return router
}

func handleStatus(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			log.Debug().Err(err).Msg("Failed to write status")
		}
	}
}

// Serve runs the endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, snapshot SnapshotFunc) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(snapshot),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Debug().Err(err).Msg("Status server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("Status endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
