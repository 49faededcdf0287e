package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"quorum/internal/domain"
)

// ForceAdvance pushes a task out of its current phase regardless of the
// vote count. Used for stalled phases: a partial tally that already
// satisfies the threshold resolves normally, otherwise the task advances
// to the next phase, or terminates if none remains.
func (e Engine) ForceAdvance(ctx context.Context, taskID, reason string) (Evaluation, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Evaluation{}, err
	}
	if t.Status != domain.TaskPending || t.CurrentPhase == domain.PhaseTerminated {
		return Evaluation{Outcome: OutcomeNone}, nil
	}
	eval := e.EvaluatePhaseCompletion(t)
	if eval.Outcome == OutcomeWaiting {
		next := t.CurrentPhase.Next()
		if next == domain.PhaseNone {
			eval = Evaluation{Outcome: OutcomeTerminate, Reason: reason}
		} else {
			eval = Evaluation{Outcome: OutcomeAdvance, NextPhase: next, Reason: reason}
		}
	}
	switch eval.Outcome {
	case OutcomeConsensus:
		return eval, e.resolveLocked(ctx, &t, eval)
	case OutcomeAdvance:
		return eval, e.transitionLocked(ctx, &t, eval)
	case OutcomeTerminate:
		return eval, e.terminateLocked(ctx, &t, eval.Reason)
	default:
		return eval, nil
	}
}

// Sweeper periodically force-advances tasks whose phase has gone quiet
// for longer than the configured stall timeout.
type Sweeper struct {
	Engine Engine
	Log    *zap.Logger

	cron *cron.Cron
}

func NewSweeper(e Engine) *Sweeper {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{Engine: e, Log: log}
}

// Start schedules the sweep once a minute. A zero stall timeout disables
// stall detection, but settlement retries still run.
func (s *Sweeper) Start() {
	if s.Engine.Config == nil {
		return
	}
	timeout := s.Engine.Config.StallTimeout()
	if timeout <= 0 {
		s.Log.Info("stall detection disabled")
	}
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(time.Minute), cron.FuncJob(func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.Log.Error("sweep", zap.Error(err))
		}
	}))
	s.cron.Start()
	s.Log.Info("sweeper started", zap.Duration("stall_timeout", timeout))
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass and returns how many tasks were advanced or
// settled. Stall detection respects the configured timeout; settlement
// retries run on every pass since a resolved-but-unsettled task is
// always overdue.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	advanced, err := s.sweepStalled(ctx)
	if err != nil {
		return advanced, err
	}
	settled, err := s.retryUnsettled(ctx)
	return advanced + settled, err
}

func (s *Sweeper) sweepStalled(ctx context.Context) (int, error) {
	timeout := s.Engine.Config.StallTimeout()
	if timeout <= 0 {
		return 0, nil
	}
	cutoff := s.Engine.now().UTC().Add(-timeout).Format(time.RFC3339)
	stalled, err := s.Engine.Repo.ListStalledTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, t := range stalled {
		eval, err := s.Engine.ForceAdvance(ctx, t.ID, reasonPhaseStalled)
		if err != nil {
			s.Log.Error("force advance stalled task",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if eval.Outcome == OutcomeNone || eval.Outcome == OutcomeWaiting {
			continue
		}
		advanced++
		s.Log.Warn("stalled task advanced",
			zap.String("task_id", t.ID),
			zap.String("reason", eval.Reason))
	}
	return advanced, nil
}

func (s *Sweeper) retryUnsettled(ctx context.Context) (int, error) {
	unsettled, err := s.Engine.Repo.ListUnsettledTasks(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, t := range unsettled {
		if _, err := s.Engine.CheckForPhaseTransition(ctx, t.ID); err != nil {
			s.Log.Error("retry settlement",
				zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		settled++
		s.Log.Info("settlement completed on retry", zap.String("task_id", t.ID))
	}
	return settled, nil
}
