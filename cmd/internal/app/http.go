package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/cmd/internal/messaging"
	"relay/cmd/internal/realtime"
)

// readiness reports whether a dependency can serve traffic.
type readiness interface {
	Ready() bool
}

type readyReport struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Broker   string `json:"broker"`
}

type routes struct {
	log      Logger
	cfg      Config
	gatherer prometheus.Gatherer
	dbPool   *pgxpool.Pool
	broker   readiness // nil when the durable path is disabled
	ws       *realtime.WSGateway
	api      *messaging.Handler
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		rep := readyReport{Status: "ready", Database: "disabled", Broker: "disabled"}
		ok := true

		switch {
		case rt.dbPool != nil:
			rep.Database = "up"
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				rep.Database = "down"
				ok = false
				rt.log.Info("readyz.db.not_ready", "err", err)
			}
		case rt.cfg.Database.RequireReady:
			rep.Database = "not_configured"
			ok = false
		}

		if rt.broker != nil {
			rep.Broker = "up"
			if !rt.broker.Ready() {
				rep.Broker = "down"
				ok = false
			}
		}

		status := http.StatusOK
		if !ok {
			rep.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(rep)
	})

	if rt.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}
	if rt.ws != nil {
		mux.HandleFunc("/ws", rt.ws.HandleWS)
	}
	if rt.api != nil {
		rt.api.Register(mux)
	}
}
