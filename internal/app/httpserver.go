package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/issue"
	"github.com/Spok95/school-ledger/internal/metrics"
	"github.com/Spok95/school-ledger/internal/verify"
)

type HTTPServer struct {
	srv *http.Server
}

// StartHTTP поднимает HTTP-слой. Публичный тут только verify: проверка
// подлинности открыта всем без аутентификации.
func StartHTTP(ctx context.Context, addr string, database *sql.DB,
	anchors *anchor.Manager, verifier *verify.Service, issuer *issue.Issuer,
	log *zap.SugaredLogger) *HTTPServer {

	api := &api{db: database, anchors: anchors, verifier: verifier, issuer: issuer, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
		defer cancel()
		t0 := time.Now()
		if err := database.PingContext(ctx); err != nil {
			http.Error(w, "db not ok: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		metrics.ObserveDBPing(time.Since(t0))
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/verify/{number}", api.handleVerify)
	mux.HandleFunc("GET /api/verify/{number}/history", api.handleVerifyHistory)
	mux.HandleFunc("POST /api/anchor", api.handleAnchor)
	mux.HandleFunc("POST /api/certificates", api.handleIssue)
	mux.HandleFunc("GET /api/transactions", api.handleListTransactions)
	mux.HandleFunc("GET /api/transactions/export", api.handleExportTransactions)
	mux.HandleFunc("GET /api/transactions/{id}", api.handleGetTransaction)
	mux.HandleFunc("POST /api/transactions/resubmit", api.handleResubmit)

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		_ = srv.ListenAndServe() // закрываем аккуратно при Shutdown
	}()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	return &HTTPServer{srv: srv}
}
