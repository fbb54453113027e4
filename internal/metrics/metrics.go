package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schoolledger", Name: "tx_submitted_total", Help: "Transactions submitted to the ledger",
	})
	TxConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schoolledger", Name: "tx_confirmed_total", Help: "Transactions confirmed by the ledger",
	})
	TxFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolledger", Name: "tx_failed_total", Help: "Transactions failed, by reason class",
	}, []string{"reason"})
	TxDuplicateEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "schoolledger", Name: "tx_duplicate_events_total", Help: "Duplicate or late ledger notifications dropped",
	})
	ConfirmLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "schoolledger", Name: "tx_confirm_seconds", Help: "Time from submit to confirmation",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "schoolledger", Name: "verifications_total", Help: "Verification calls, by outcome",
	}, []string{"outcome"})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "schoolledger", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(TxSubmitted, TxConfirmed, TxFailed, TxDuplicateEvents,
		ConfirmLatency, Verifications, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
