package parser

import (
	"context"

	"go.uber.org/zap"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
)

// LedgeredDeliverer wraps next so every confirmed delivery is recorded in
// the ledger under session. Ledger write failures are logged and swallowed;
// the delivery outcome stands either way.
func LedgeredDeliverer(next delivery.Deliverer, ledger Ledger, session string, logger *zap.Logger) delivery.Deliverer {
	if ledger == nil {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return delivery.DelivererFunc(func(ctx context.Context, rec delivery.Record) (delivery.Result, error) {
		res, err := next.Deliver(ctx, rec)
		if err == nil && res.Success {
			if lerr := ledger.MarkDelivered(ctx, session, rec.ID()); lerr != nil {
				logger.Warn("ledger write failed", zap.String("item_id", rec.ID()), zap.Error(lerr))
			}
		}
		return res, err
	})
}
