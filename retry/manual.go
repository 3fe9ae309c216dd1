package retry

import (
	"context"
	"fmt"

	"fundflow/lock"
)

type ManualRetryResult struct {
	FailedPayoutID string
	BatchID        string
}

// ManualRetry attempts a payout immediately on behalf of an admin, outside
// the scheduled chain. Any scheduled task of the chain stays in place and
// will find the payout settled when it runs.
func (s *Service) ManualRetry(ctx context.Context, failedPayoutID, adminID string) (ManualRetryResult, error) {
	fp, err := s.repo.GetFailedPayout(ctx, failedPayoutID)
	if err != nil {
		return ManualRetryResult{}, err
	}
	if fp.Status.Settled() {
		return ManualRetryResult{}, ErrAlreadyResolved
	}

	out := ManualRetryResult{FailedPayoutID: fp.ID}
	err = lock.WithLock(ctx, s.locker, "payout:"+fp.OrderID, lock.NewHolderID("admin-"+adminID), s.callTimeout+s.lockMargin, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		payout, callErr := s.executor.ExecutePayout(callCtx, PayoutRequest{
			IdempotencyKey: fmt.Sprintf("manual-%s-%d", fp.ID, fp.RetryCount+1),
			OrderID:        fp.OrderID,
			ProviderID:     fp.ProviderID,
			Destination:    fp.PayoutDestination,
			Amount:         fp.Amount,
			Currency:       fp.Currency,
		})
		now := s.now().UTC()
		if callErr != nil {
			if err := s.repo.MarkPayoutFailed(ctx, fp.ID, fp.RetryCount+1, callErr.Error(), now); err != nil {
				s.logger.Warn("record manual retry failure", "failed_payout_id", fp.ID, "error", err)
			}
			return fmt.Errorf("retry: manual payout: %w", callErr)
		}

		out.BatchID = payout.BatchID
		return s.repo.ResolvePayout(ctx, ResolveParams{
			FailedPayoutID: fp.ID,
			OrderID:        fp.OrderID,
			BatchID:        payout.BatchID,
			RetryCount:     fp.RetryCount + 1,
			Method:         MethodManualAdmin,
			ResolvedBy:     adminID,
			At:             now,
		})
	})
	if err != nil {
		return ManualRetryResult{}, err
	}

	s.logger.Info("manual payout retry succeeded", "failed_payout_id", fp.ID, "admin_id", adminID, "batch_id", out.BatchID)
	return out, nil
}
