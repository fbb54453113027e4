package jobs

import (
	"context"
	"time"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/observability"
)

// StartAnchorLoops регистрирует фоновые циклы менеджера транзакций:
//   - опрос реестра на предмет исходов (кормит OnLedgerNotification);
//   - свип pending-транзакций, просроченных по окну подтверждения.
func StartAnchorLoops(r *Runner, m *anchor.Manager, pollInterval, sweepInterval time.Duration) {
	r.Every(pollInterval, "ledger_poll", func(ctx context.Context) error {
		if err := m.PollOnce(ctx); err != nil {
			observability.CaptureErr(err)
			return err
		}
		return nil
	})
	r.Every(sweepInterval, "pending_sweep", func(ctx context.Context) error {
		if err := m.SweepStale(ctx); err != nil {
			observability.CaptureErr(err)
			return err
		}
		return nil
	})
}
