package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quorum/internal/config"
	"quorum/internal/domain"
	"quorum/internal/events"
	"quorum/internal/leaderboard"
	"quorum/internal/repo"
)

// Settler applies post-consensus side effects: point settlement, rank
// recomputation and reward payout.
type Settler interface {
	SettleTask(ctx context.Context, task domain.Task, decision string, finalVotes []domain.Vote) error
}

// DepositVerifier checks an escrow deposit out of band; the engine never
// talks to a chain itself.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, signature, subjectID string, amount float64) (bool, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Ranker   *leaderboard.Ranker
	Settler  Settler
	Deposits DepositVerifier
	Log      *zap.Logger
	Now      func() time.Time

	locks taskLocks
}

func New(db *sql.DB, cfg *config.Config, ranker *leaderboard.Ranker, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Ranker: ranker,
		Log:    log,
		Now:    time.Now,
		locks:  newTaskLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for escalating a decision to voters.
type TaskCreateOptions struct {
	ID          string
	Query       string
	Confidence  float64
	RequesterID string
	ActorID     string
	// Escrow deposit reference; verified when a DepositVerifier is wired.
	DepositSignature string
	DepositAmount    float64
}

// CreateTask derives voting parameters from the AI confidence, opens the
// task in phase 1 and records the initial voter pool.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Query == "" {
		return domain.Task{}, errors.New("query is required")
	}
	if opts.DepositSignature != "" && e.Deposits != nil {
		ok, err := e.Deposits.VerifyDeposit(ctx, opts.DepositSignature, opts.RequesterID, opts.DepositAmount)
		if err != nil {
			return domain.Task{}, fmt.Errorf("verify deposit: %w", err)
		}
		if !ok {
			return domain.Task{}, errors.New("deposit not verified")
		}
	}
	params := CalculateConsensusParams(opts.Confidence)
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:                 id,
		Query:              opts.Query,
		Confidence:         opts.Confidence,
		CurrentPhase:       domain.Phase1,
		RequiredVoters:     params.RequiredVoters,
		ConsensusThreshold: params.ConsensusThreshold,
		Status:             domain.TaskPending,
		RequesterID:        optionalString(opts.RequesterID),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	pool, err := e.GetPhaseEligibleVoters(ctx, domain.Phase1, t.RequiredVoters)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.InitiatePhase(ctx, tx, &t, domain.PhaseNone, reasonPhaseStart, len(pool)); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.RecordVoterEligibility(ctx, tx, t.ID, domain.Phase1, pool); err != nil {
		return domain.Task{}, fmt.Errorf("record eligibility: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.ActorID, events.EventPayload{
		"confidence":          t.Confidence,
		"required_voters":     t.RequiredVoters,
		"consensus_threshold": t.ConsensusThreshold,
		"pool_size":           len(pool),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info("task created",
		zap.String("task_id", t.ID),
		zap.Float64("confidence", t.Confidence),
		zap.Int("required_voters", t.RequiredVoters),
		zap.Float64("threshold", t.ConsensusThreshold))
	return t, nil
}

// InitiatePhase stamps the phase start in the task's meta and writes the
// audit row for entering task.CurrentPhase. The caller owns the
// transaction and is expected to re-evaluate the tally afterwards, which
// covers votes that landed between evaluation and initiation.
func (e Engine) InitiatePhase(ctx context.Context, tx *sql.Tx, t *domain.Task, from domain.Phase, reason string, voterCount int) error {
	now := e.now().UTC().Format(time.RFC3339)
	t.PhaseMeta.Windows = append(t.PhaseMeta.Windows, domain.PhaseWindow{
		Phase:     t.CurrentPhase,
		StartedAt: now,
	})
	to := t.CurrentPhase
	return e.Repo.AppendPhaseTransition(ctx, tx, domain.PhaseTransition{
		TaskID:     t.ID,
		FromPhase:  from,
		ToPhase:    &to,
		Reason:     reason,
		VoterCount: voterCount,
		CreatedAt:  now,
	})
}

// VoteOptions describe one incoming vote. UserID may be nil for
// anonymous test traffic, which bypasses eligibility checks.
type VoteOptions struct {
	TaskID   string
	UserID   *string
	Decision string
	ActorID  string
}

// CastVote records a vote against the task's current phase and then runs
// the phase-transition check while still holding the task lock.
func (e Engine) CastVote(ctx context.Context, opts VoteOptions) (domain.Vote, Evaluation, error) {
	if opts.Decision != domain.DecisionYes && opts.Decision != domain.DecisionNo {
		return domain.Vote{}, Evaluation{}, fmt.Errorf("decision must be %q or %q", domain.DecisionYes, domain.DecisionNo)
	}
	unlock := e.locks.lock(opts.TaskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Vote{}, Evaluation{}, err
	}
	if t.Status != domain.TaskPending || t.CurrentPhase == domain.PhaseTerminated {
		return domain.Vote{}, Evaluation{}, errors.New("voting is closed for this task")
	}
	if opts.UserID != nil {
		u, err := e.Repo.GetUser(ctx, *opts.UserID)
		if err != nil {
			return domain.Vote{}, Evaluation{}, err
		}
		if u.Banned {
			return domain.Vote{}, Evaluation{}, errors.New("user is banned from voting")
		}
		eligible, err := e.Repo.IsEligible(ctx, t.ID, u.ID, t.CurrentPhase)
		if err != nil {
			return domain.Vote{}, Evaluation{}, err
		}
		if !eligible {
			return domain.Vote{}, Evaluation{}, fmt.Errorf("user not eligible to vote in %s", t.CurrentPhase)
		}
		voted, err := e.Repo.HasVoted(ctx, t.ID, u.ID)
		if err != nil {
			return domain.Vote{}, Evaluation{}, err
		}
		if voted {
			return domain.Vote{}, Evaluation{}, errors.New("user already voted in this phase")
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	v := domain.Vote{
		ID:        uuid.New().String(),
		TaskID:    t.ID,
		UserID:    opts.UserID,
		Decision:  opts.Decision,
		CreatedAt: now,
	}
	if opts.Decision == domain.DecisionYes {
		t.YesVotes++
	} else {
		t.NoVotes++
	}
	t.CurrentVoteCount++
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, Evaluation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
		return domain.Vote{}, Evaluation{}, fmt.Errorf("insert vote: %w", err)
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Vote{}, Evaluation{}, fmt.Errorf("update tally: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "vote.cast", "task", t.ID, opts.ActorID, events.EventPayload{
		"decision":   opts.Decision,
		"phase":      t.CurrentPhase.String(),
		"yes_votes":  t.YesVotes,
		"no_votes":   t.NoVotes,
		"vote_count": t.CurrentVoteCount,
	}); err != nil {
		return domain.Vote{}, Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, Evaluation{}, err
	}

	eval, err := e.checkLocked(ctx, t.ID)
	if err != nil {
		return v, eval, err
	}
	return v, eval, nil
}

// CheckForPhaseTransition evaluates a task and applies whatever the
// evaluation demands. Safe to call concurrently and repeatedly: the
// per-task lock serializes callers and a terminated task is a no-op.
func (e Engine) CheckForPhaseTransition(ctx context.Context, taskID string) (Evaluation, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()
	return e.checkLocked(ctx, taskID)
}

func (e Engine) checkLocked(ctx context.Context, taskID string) (Evaluation, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Evaluation{}, err
	}
	eval := e.EvaluatePhaseCompletion(t)
	switch eval.Outcome {
	case OutcomeConsensus:
		return eval, e.resolveLocked(ctx, &t, eval)
	case OutcomeAdvance:
		return eval, e.transitionLocked(ctx, &t, eval)
	case OutcomeTerminate:
		return eval, e.terminateLocked(ctx, &t, eval.Reason)
	default:
		// A resolved task whose settlement failed mid-flight is picked
		// up here: the verdict and final votes are persisted, so the
		// settlement re-derives from them.
		if t.Status == domain.TaskResolved && t.SettledAt == nil {
			return eval, e.settleLocked(ctx, &t)
		}
		return eval, nil
	}
}

// TransitionToNextPhase executes a pending transition, returning whether
// one occurred. Termination after the final phase is delegated to
// TerminateVoting's internals.
func (e Engine) TransitionToNextPhase(ctx context.Context, taskID string) (bool, error) {
	unlock := e.locks.lock(taskID)
	defer unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	eval := e.EvaluatePhaseCompletion(t)
	switch eval.Outcome {
	case OutcomeAdvance:
		return true, e.transitionLocked(ctx, &t, eval)
	case OutcomeTerminate:
		return true, e.terminateLocked(ctx, &t, eval.Reason)
	default:
		return false, nil
	}
}

// transitionLocked moves the task into the next, narrower phase: the
// tally and vote rows reset to zero and the eligibility set is rewritten.
func (e Engine) transitionLocked(ctx context.Context, t *domain.Task, eval Evaluation) error {
	pool, err := e.GetPhaseEligibleVoters(ctx, eval.NextPhase, t.RequiredVoters)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := t.CurrentPhase
	e.closeWindow(t, now)
	t.CurrentPhase = eval.NextPhase
	t.YesVotes, t.NoVotes, t.CurrentVoteCount = 0, 0, 0
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteVotes(ctx, tx, t.ID); err != nil {
		return fmt.Errorf("reset votes: %w", err)
	}
	if err := e.RecordVoterEligibility(ctx, tx, t.ID, eval.NextPhase, pool); err != nil {
		return fmt.Errorf("record eligibility: %w", err)
	}
	if err := e.InitiatePhase(ctx, tx, t, from, eval.Reason, len(pool)); err != nil {
		return err
	}
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "phase.transition", "task", t.ID, "engine", events.EventPayload{
		"from":      from.String(),
		"to":        eval.NextPhase.String(),
		"reason":    eval.Reason,
		"pool_size": len(pool),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("phase transition",
		zap.String("task_id", t.ID),
		zap.String("from", from.String()),
		zap.String("to", eval.NextPhase.String()),
		zap.Int("pool_size", len(pool)))
	return nil
}

// TerminateVoting closes the task as failed with an audit snapshot.
func (e Engine) TerminateVoting(ctx context.Context, taskID, reason string) error {
	unlock := e.locks.lock(taskID)
	defer unlock()
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.CurrentPhase == domain.PhaseTerminated {
		return nil
	}
	return e.terminateLocked(ctx, &t, reason)
}

func (e Engine) terminateLocked(ctx context.Context, t *domain.Task, reason string) error {
	now := e.now().UTC().Format(time.RFC3339)
	finalPhase := t.CurrentPhase
	e.closeWindow(t, now)
	t.Status = domain.TaskFailed
	t.CurrentPhase = domain.PhaseTerminated
	t.Result = &domain.TaskResult{
		Decision:   "failed",
		Reason:     reason,
		FinalPhase: finalPhase,
		YesVotes:   t.YesVotes,
		NoVotes:    t.NoVotes,
	}
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	terminated := domain.PhaseTerminated
	if err := e.Repo.AppendPhaseTransition(ctx, tx, domain.PhaseTransition{
		TaskID:     t.ID,
		FromPhase:  finalPhase,
		ToPhase:    &terminated,
		Reason:     reason,
		VoterCount: t.CurrentVoteCount,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "voting.terminated", "task", t.ID, "engine", events.EventPayload{
		"reason":      reason,
		"final_phase": finalPhase.String(),
		"yes_votes":   t.YesVotes,
		"no_votes":    t.NoVotes,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.locks.forget(t.ID)
	e.Log.Warn("voting terminated",
		zap.String("task_id", t.ID),
		zap.String("reason", reason),
		zap.String("final_phase", finalPhase.String()))
	return nil
}

// resolveLocked terminates the task successfully and hands the final
// tally to the settlement services.
func (e Engine) resolveLocked(ctx context.Context, t *domain.Task, eval Evaluation) error {
	now := e.now().UTC().Format(time.RFC3339)
	finalPhase := t.CurrentPhase
	e.closeWindow(t, now)
	t.Status = domain.TaskResolved
	t.CurrentPhase = domain.PhaseTerminated
	t.Result = &domain.TaskResult{
		Decision:   eval.Consensus.Decision,
		Reason:     eval.Reason,
		FinalPhase: finalPhase,
		YesVotes:   t.YesVotes,
		NoVotes:    t.NoVotes,
	}
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	terminated := domain.PhaseTerminated
	if err := e.Repo.AppendPhaseTransition(ctx, tx, domain.PhaseTransition{
		TaskID:     t.ID,
		FromPhase:  finalPhase,
		ToPhase:    &terminated,
		Reason:     eval.Reason,
		VoterCount: t.CurrentVoteCount,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.resolved", "task", t.ID, "engine", events.EventPayload{
		"decision":  eval.Consensus.Decision,
		"majority":  eval.Consensus.MajorityPercentage,
		"phase":     finalPhase.String(),
		"yes_votes": t.YesVotes,
		"no_votes":  t.NoVotes,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("consensus reached",
		zap.String("task_id", t.ID),
		zap.String("decision", eval.Consensus.Decision),
		zap.Float64("majority", eval.Consensus.MajorityPercentage))
	return e.settleLocked(ctx, t)
}

// settleLocked runs settlement for a resolved task and stamps SettledAt
// on success. The verdict and the final-phase vote rows survive
// resolution, so a failed run is re-driven later from persisted state by
// CheckForPhaseTransition or the sweeper. Idempotent once stamped.
func (e Engine) settleLocked(ctx context.Context, t *domain.Task) error {
	if t.SettledAt != nil || t.Result == nil {
		return nil
	}
	if e.Settler != nil {
		finalVotes, err := e.Repo.ListVotes(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := e.Settler.SettleTask(ctx, *t, t.Result.Decision, finalVotes); err != nil {
			return fmt.Errorf("settle task %s: %w", t.ID, err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkTaskSettled(ctx, t.ID, now); err != nil {
		return err
	}
	t.SettledAt = &now
	e.locks.forget(t.ID)
	return nil
}

func (e Engine) closeWindow(t *domain.Task, now string) {
	for i := len(t.PhaseMeta.Windows) - 1; i >= 0; i-- {
		if t.PhaseMeta.Windows[i].EndedAt == nil {
			ended := now
			t.PhaseMeta.Windows[i].EndedAt = &ended
			return
		}
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
