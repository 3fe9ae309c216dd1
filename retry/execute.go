package retry

import (
	"context"
	"errors"
	"fmt"

	"fundflow/alert"
	"fundflow/fault"
	"fundflow/lock"
)

// Execute runs one attempt of a scheduled task. It is safe to call any number
// of times for the same task: terminal tasks, tasks claimed by a concurrent
// delivery, and payouts that were already settled are all no-ops.
func (s *Service) Execute(ctx context.Context, taskID string) (ExecuteResult, error) {
	res := ExecuteResult{TaskID: taskID, NextAction: NextAction{Kind: ActionNone}}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			s.logger.Info("retry task not found, treating as cancelled", "task_id", taskID)
			res.NextAction.Reason = "task not found"
			return res, nil
		}
		return res, err
	}
	if task.Status.Terminal() {
		res.Success = task.Status == TaskSucceeded
		res.NextAction.Reason = "task already " + string(task.Status)
		return res, nil
	}

	claimed, ok, err := s.repo.ClaimTask(ctx, taskID, s.now().UTC())
	if err != nil {
		return res, err
	}
	if !ok {
		res.NextAction.Reason = "task claimed by another execution"
		return res, nil
	}
	task = claimed

	fpID := task.FailedPayoutID()
	if fpID == "" {
		action := NextAction{
			Kind:   ActionFail,
			Reason: "malformed task payload",
			Err:    fault.Integrity("retry execute", fault.CodeTaskIntegrity, fmt.Errorf("task %s has no failed payout reference", task.ID)),
		}
		return s.dispatch(ctx, task, FailedPayout{}, action)
	}

	fp, err := s.repo.GetFailedPayout(ctx, fpID)
	if err != nil {
		if errors.Is(err, ErrFailedPayoutNotFound) {
			action := NextAction{
				Kind:   ActionFail,
				Reason: "failed payout record missing",
				Err:    fault.Integrity("retry execute", fault.CodeTaskIntegrity, err),
			}
			return s.dispatch(ctx, task, FailedPayout{ID: fpID}, action)
		}
		s.requeue(ctx, task)
		return res, err
	}

	if fp.Status.Settled() {
		if err := s.repo.FinishTask(ctx, task.ID, TaskSucceeded, "", "", s.now().UTC()); err != nil {
			return res, err
		}
		s.logger.Info("payout already settled, retry skipped", "task_id", task.ID, "failed_payout_id", fp.ID)
		res.Success = true
		res.NextAction.Reason = "payout already settled"
		return res, nil
	}

	lockKey := "payout:" + fp.OrderID
	holder := lock.NewHolderID(task.ID)
	acq, err := s.locker.Acquire(ctx, lockKey, holder, s.callTimeout+s.lockMargin)
	if err != nil {
		s.requeue(ctx, task)
		return res, fmt.Errorf("retry: acquire payout lock: %w", err)
	}
	if !acq.Acquired {
		s.logger.Info("payout lock held, task requeued",
			"task_id", task.ID, "lock", lockKey, "holder", acq.CurrentHolder)
		if err := s.repo.RequeueTask(ctx, task.ID, s.now().UTC().Add(s.contentionDelay)); err != nil {
			return res, err
		}
		res.Contended = true
		res.NextAction.Reason = "payout lock held"
		return res, nil
	}
	defer func() {
		if _, err := s.locker.Release(context.WithoutCancel(ctx), lockKey, holder); err != nil {
			s.logger.Warn("release payout lock failed", "lock", lockKey, "error", err)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	payout, callErr := s.executor.ExecutePayout(callCtx, PayoutRequest{
		IdempotencyKey: task.ID,
		OrderID:        fp.OrderID,
		ProviderID:     fp.ProviderID,
		Destination:    fp.PayoutDestination,
		Amount:         fp.Amount,
		Currency:       fp.Currency,
	})
	cancel()

	return s.dispatch(ctx, task, fp, s.decide(task, payout, callErr))
}

// decide maps an attempt outcome to the chain's next step.
func (s *Service) decide(task Task, payout PayoutResult, callErr error) NextAction {
	if callErr == nil {
		return NextAction{Kind: ActionResolve, BatchID: payout.BatchID}
	}
	if fault.Classify(callErr) == fault.KindValidation {
		return NextAction{Kind: ActionEscalate, Reason: "non-retryable failure", Err: callErr}
	}
	next := task.RetryCount + 1
	if next >= task.MaxRetries {
		return NextAction{Kind: ActionEscalate, Reason: "max retries reached", Err: callErr}
	}
	return NextAction{
		Kind:   ActionReschedule,
		Delay:  s.policy.Delay(next),
		Reason: "retryable failure",
		Err:    callErr,
	}
}

// dispatch is the single place where a NextAction changes stored state.
func (s *Service) dispatch(ctx context.Context, task Task, fp FailedPayout, action NextAction) (ExecuteResult, error) {
	res := ExecuteResult{TaskID: task.ID, NextAction: action}
	now := s.now().UTC()
	attempts := task.RetryCount + 1

	switch action.Kind {
	case ActionResolve:
		if err := s.repo.ResolvePayout(ctx, ResolveParams{
			FailedPayoutID: fp.ID,
			OrderID:        fp.OrderID,
			BatchID:        action.BatchID,
			RetryCount:     attempts,
			Method:         MethodAutomaticRetry,
			At:             now,
		}); err != nil {
			return res, err
		}
		if err := s.repo.FinishTask(ctx, task.ID, TaskSucceeded, "", "", now); err != nil {
			return res, err
		}
		s.raise(ctx, alert.Alert{
			ID:       alert.DeterministicID(alert.TypePayoutRetrySuccess, fp.ID),
			Type:     alert.TypePayoutRetrySuccess,
			Priority: alert.PriorityMedium,
			Title:    "Payout retry succeeded",
			Message:  fmt.Sprintf("Payout for order %s succeeded after %d attempt(s)", fp.OrderID, attempts),
			Details: map[string]any{
				"failedPayoutAlertId": fp.ID,
				"orderId":             fp.OrderID,
				"providerId":          fp.ProviderID,
				"amount":              fp.Amount,
				"currency":            fp.Currency,
				"payoutBatchId":       action.BatchID,
				"attempts":            attempts,
			},
		})
		s.logger.Info("payout retry succeeded", "task_id", task.ID, "order_id", fp.OrderID, "batch_id", action.BatchID)
		res.Success = true

	case ActionReschedule:
		msg := errorText(action.Err)
		if err := s.repo.MarkPayoutFailed(ctx, fp.ID, attempts, msg, now); err != nil {
			return res, err
		}
		// The next task must exist before this one leaves executing. On error
		// the task stays executing and the cleanup sweep reports it.
		sched, err := s.Schedule(ctx, ScheduleRequest{
			OperationKey: task.OperationKey,
			OwnerID:      task.OwnerID,
			Payload:      task.Payload,
			RetryCount:   attempts,
			MaxRetries:   task.MaxRetries,
		})
		if err != nil {
			s.logger.Error("schedule next retry failed",
				"task_id", task.ID, "failed_payout_id", fp.ID, "error", err)
			return res, fmt.Errorf("retry: schedule next attempt: %w", err)
		}
		if err := s.repo.FinishTask(ctx, task.ID, TaskFailed, msg, string(fault.CodeOf(action.Err)), now); err != nil {
			return res, err
		}
		res.NextTaskID = sched.TaskID
		s.logger.Warn("payout retry failed, rescheduled",
			"task_id", task.ID, "next_task_id", sched.TaskID, "delay", sched.Delay, "error", msg)

	case ActionEscalate:
		msg := errorText(action.Err)
		code := fault.CodeMaxRetries
		if fault.Classify(action.Err) == fault.KindValidation {
			code = fault.CodeOf(action.Err)
		}
		// The alert id is derived from the failed payout, so a crash between
		// these writes cannot produce a second critical alert. If the alert
		// cannot be stored the task stays executing and the cleanup sweep
		// reports it as timed out.
		if _, err := s.alerts.Raise(ctx, alert.Alert{
			ID:             alert.DeterministicID(alert.TypePayoutMaxRetries, fp.ID, task.OperationKey),
			Type:           alert.TypePayoutMaxRetries,
			Priority:       alert.PriorityCritical,
			Title:          "Payout retries exhausted",
			Message:        fmt.Sprintf("Payout for order %s needs manual handling: %s", task.OperationKey, action.Reason),
			RequiresAction: true,
			Details: map[string]any{
				"failedPayoutAlertId": fp.ID,
				"orderId":             task.OperationKey,
				"providerId":          fp.ProviderID,
				"amount":              fp.Amount,
				"currency":            fp.Currency,
				"attempts":            attempts,
				"lastError":           msg,
				"errorCode":           string(code),
				"taskId":              task.ID,
			},
		}); err != nil {
			return res, fmt.Errorf("retry: raise escalation alert: %w", err)
		}
		if fp.ID != "" {
			if err := s.repo.MarkMaxRetries(ctx, fp.ID, attempts, msg, now); err != nil {
				s.logger.Warn("mark max retries failed", "failed_payout_id", fp.ID, "error", err)
			}
		}
		if err := s.repo.FinishTask(ctx, task.ID, TaskExhausted, msg, string(code), now); err != nil {
			return res, err
		}
		s.logger.Error("payout retry escalated",
			"task_id", task.ID, "failed_payout_id", fp.ID, "reason", action.Reason, "error", msg)

	case ActionFail:
		msg := errorText(action.Err)
		if _, err := s.alerts.Raise(ctx, alert.Alert{
			ID:             alert.DeterministicID(alert.TypePayoutIntegrity, task.ID),
			Type:           alert.TypePayoutIntegrity,
			Priority:       alert.PriorityCritical,
			Title:          "Payout retry task integrity failure",
			Message:        fmt.Sprintf("Retry task %s for order %s cannot run: %s", task.ID, task.OperationKey, action.Reason),
			RequiresAction: true,
			Details: map[string]any{
				"failedPayoutAlertId": fp.ID,
				"orderId":             task.OperationKey,
				"taskId":              task.ID,
				"attempts":            attempts,
				"lastError":           msg,
				"errorCode":           string(fault.CodeTaskIntegrity),
			},
		}); err != nil {
			return res, fmt.Errorf("retry: raise integrity alert: %w", err)
		}
		if err := s.repo.FinishTask(ctx, task.ID, TaskFailed, msg, string(fault.CodeTaskIntegrity), now); err != nil {
			return res, err
		}
		s.logger.Error("payout retry task failed integrity check",
			"task_id", task.ID, "failed_payout_id", fp.ID, "reason", action.Reason, "error", msg)
	}

	return res, nil
}

// requeue returns a claimed task to the poller after an infrastructure error.
func (s *Service) requeue(ctx context.Context, task Task) {
	if err := s.repo.RequeueTask(context.WithoutCancel(ctx), task.ID, s.now().UTC().Add(s.contentionDelay)); err != nil {
		s.logger.Warn("requeue task failed", "task_id", task.ID, "error", err)
	}
}

func (s *Service) raise(ctx context.Context, a alert.Alert) {
	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Raise(ctx, a); err != nil {
		s.logger.Error("raise alert failed", "type", a.Type, "error", err)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
