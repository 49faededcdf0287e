package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/leaderboard"
	"quorum/internal/migrate"
	"quorum/internal/payout"
	"quorum/internal/repo"
	"quorum/internal/settle"
)

type testEnv struct {
	Engine engine.Engine
	Ranker *leaderboard.Ranker
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-test")
	cfg.Voting.MinSample = 1
	r := repo.Repo{DB: conn}
	ranker := leaderboard.New(r, cfg.MinSample(), cfg.LeaderboardTTL(), nil)
	services := settle.New(conn, cfg, payout.LedgerRail{}, ranker, nil)
	eng := engine.New(conn, cfg, ranker, nil)
	eng.Settler = services
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ranker: ranker, Repo: r, Ctx: context.Background()}
}

// registerUsers creates user-00..user-<n-1>.
func registerUsers(t *testing.T, env *testEnv, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%02d", i)
		if _, err := env.Engine.RegisterUser(env.Ctx, engine.UserCreateOptions{ID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

// seedAccuracy writes an accuracy history of correct hits out of total.
func seedAccuracy(t *testing.T, env *testEnv, userID string, correct, total int) {
	t.Helper()
	tx, err := env.Repo.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	for i := 0; i < total; i++ {
		if err := env.Repo.AppendVoteAccuracy(env.Ctx, tx, domain.VoteAccuracy{
			UserID:    userID,
			IsCorrect: i < correct,
			CreatedAt: "2025-05-01T00:00:00Z",
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	env.Ranker.InvalidateCache()
}

func vote(t *testing.T, env *testEnv, taskID, userID, decision string) engine.Evaluation {
	t.Helper()
	_, eval, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID:   taskID,
		UserID:   &userID,
		Decision: decision,
		ActorID:  userID,
	})
	if err != nil {
		t.Fatalf("vote %s/%s: %v", userID, decision, err)
	}
	return eval
}

func TestCreateTaskDerivesParams(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 5)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Is this transaction fraudulent?",
		Confidence: 0.95,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.RequiredVoters != 5 {
		t.Fatalf("required voters = %d, want 5", task.RequiredVoters)
	}
	if task.ConsensusThreshold < 0.548 || task.ConsensusThreshold > 0.550 {
		t.Fatalf("threshold = %v", task.ConsensusThreshold)
	}
	if task.CurrentPhase != domain.Phase1 || task.Status != domain.TaskPending {
		t.Fatalf("new task should be pending in phase 1, got %s/%s", task.CurrentPhase, task.Status)
	}
	// Every registered user is eligible in phase 1.
	for _, id := range users {
		ok, err := env.Repo.IsEligible(env.Ctx, task.ID, id, domain.Phase1)
		if err != nil || !ok {
			t.Fatalf("%s should be eligible in phase 1 (err=%v)", id, err)
		}
	}
	transitions, err := env.Repo.ListPhaseTransitions(env.Ctx, task.ID)
	if err != nil || len(transitions) != 1 {
		t.Fatalf("expected one opening transition, got %d (err=%v)", len(transitions), err)
	}
}

func TestEarlyConsensusSettlesPoints(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 5)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Approve refund?",
		Confidence: 0.95,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	// 3 of required 5 at a 0.549 threshold: consensus on the third vote.
	vote(t, env, task.ID, users[0], domain.DecisionYes)
	vote(t, env, task.ID, users[1], domain.DecisionYes)
	eval := vote(t, env, task.ID, users[2], domain.DecisionYes)
	if eval.Outcome != engine.OutcomeConsensus {
		t.Fatalf("outcome = %s, want consensus", eval.Outcome)
	}

	task, err = env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskResolved || task.CurrentPhase != domain.PhaseTerminated {
		t.Fatalf("task = %s/%s, want resolved/TERMINATED", task.Status, task.CurrentPhase)
	}
	if task.Result == nil || task.Result.Decision != domain.DecisionYes || task.Result.FinalPhase != domain.Phase1 {
		t.Fatalf("result = %+v", task.Result)
	}

	// Winning voters earned 3 points each; bystanders none.
	for _, id := range users[:3] {
		u, err := env.Repo.GetUser(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if u.Points != 3 || u.TotalVotes != 1 || u.CorrectVotes != 1 {
			t.Fatalf("%s = %d points %d/%d votes", id, u.Points, u.CorrectVotes, u.TotalVotes)
		}
	}
	u, _ := env.Repo.GetUser(env.Ctx, users[3])
	if u.Points != 0 {
		t.Fatalf("non-voter gained points: %d", u.Points)
	}

	// Voting is closed once resolved.
	if _, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &users[3], Decision: domain.DecisionNo, ActorID: users[3],
	}); err == nil {
		t.Fatalf("expected vote rejection on resolved task")
	}
}

func TestQuotaWithoutConsensusAdvancesPhase(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 11)
	// user-10 is most accurate, user-00 least.
	for i, id := range users {
		seedAccuracy(t, env, id, i, 10)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Is the document authentic?",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.RequiredVoters != 11 {
		t.Fatalf("required voters = %d, want 11", task.RequiredVoters)
	}
	// 6 yes / 5 no never meets 0.744, so the quota forces a transition.
	var last engine.Evaluation
	for i, id := range users {
		decision := domain.DecisionYes
		if i >= 6 {
			decision = domain.DecisionNo
		}
		last = vote(t, env, task.ID, id, decision)
	}
	if last.Outcome != engine.OutcomeAdvance {
		t.Fatalf("outcome = %s, want advance", last.Outcome)
	}

	task, err = env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.CurrentPhase != domain.Phase2 {
		t.Fatalf("phase = %s, want PHASE_2", task.CurrentPhase)
	}
	if task.YesVotes != 0 || task.NoVotes != 0 || task.CurrentVoteCount != 0 {
		t.Fatalf("tally not reset: %d/%d (%d)", task.YesVotes, task.NoVotes, task.CurrentVoteCount)
	}
	votes, err := env.Repo.ListVotes(env.Ctx, task.ID)
	if err != nil || len(votes) != 0 {
		t.Fatalf("votes should be cleared on transition, got %d (err=%v)", len(votes), err)
	}

	// Pool narrows to the top 50% by accuracy: user-06..user-10.
	for i, id := range users {
		ok, err := env.Repo.IsEligible(env.Ctx, task.ID, id, domain.Phase2)
		if err != nil {
			t.Fatal(err)
		}
		if want := i >= 6; ok != want {
			t.Fatalf("%s eligibility in phase 2 = %v, want %v", id, ok, want)
		}
	}

	transitions, err := env.Repo.ListPhaseTransitions(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	lastTr := transitions[len(transitions)-1]
	if lastTr.FromPhase != domain.Phase1 || lastTr.ToPhase == nil || *lastTr.ToPhase != domain.Phase2 {
		t.Fatalf("transition row = %+v", lastTr)
	}
	if lastTr.Reason != "vote quota reached without consensus" {
		t.Fatalf("reason = %q", lastTr.Reason)
	}
}

func TestTerminationAfterFinalPhase(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 11)
	for i, id := range users {
		seedAccuracy(t, env, id, i, 10)
	}
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Should the listing be removed?",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Phase 1: full quota, no consensus.
	for i, id := range users {
		decision := domain.DecisionYes
		if i >= 6 {
			decision = domain.DecisionNo
		}
		vote(t, env, task.ID, id, decision)
	}
	// Phase 2 pool is 5 voters against an 11-voter quota: it can never
	// fill, so the stall path has to push it forward.
	for i, id := range users[6:] {
		decision := domain.DecisionYes
		if i >= 3 {
			decision = domain.DecisionNo
		}
		vote(t, env, task.ID, id, decision)
	}
	eval, err := env.Engine.ForceAdvance(env.Ctx, task.ID, "phase stalled")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Outcome != engine.OutcomeAdvance {
		t.Fatalf("outcome = %s, want advance", eval.Outcome)
	}
	task, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if task.CurrentPhase != domain.Phase3 {
		t.Fatalf("phase = %s, want PHASE_3", task.CurrentPhase)
	}
	// Phase 3 pool is the top 10%: only user-10.
	ok, err := env.Repo.IsEligible(env.Ctx, task.ID, "user-10", domain.Phase3)
	if err != nil || !ok {
		t.Fatalf("user-10 should be the elite pool (err=%v)", err)
	}
	vote(t, env, task.ID, "user-10", domain.DecisionNo)

	eval, err = env.Engine.ForceAdvance(env.Ctx, task.ID, "phase stalled")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Outcome != engine.OutcomeTerminate {
		t.Fatalf("outcome = %s, want terminate", eval.Outcome)
	}
	task, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if task.Status != domain.TaskFailed || task.CurrentPhase != domain.PhaseTerminated {
		t.Fatalf("task = %s/%s, want failed/TERMINATED", task.Status, task.CurrentPhase)
	}
	if task.Result == nil || task.Result.Decision != "failed" {
		t.Fatalf("result = %+v", task.Result)
	}
	// Termination is absorbing.
	eval, err = env.Engine.CheckForPhaseTransition(env.Ctx, task.ID)
	if err != nil || eval.Outcome != engine.OutcomeNone {
		t.Fatalf("terminated task should be inert, got %s (err=%v)", eval.Outcome, err)
	}
}

func TestVoteGuards(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 5)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Allow the upload?",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Invalid decision value.
	if _, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &users[0], Decision: "maybe", ActorID: users[0],
	}); err == nil {
		t.Fatalf("expected invalid decision error")
	}

	// Unknown voter.
	ghost := "ghost"
	if _, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &ghost, Decision: domain.DecisionYes, ActorID: ghost,
	}); err == nil {
		t.Fatalf("expected unknown user error")
	}

	// One vote per user per phase.
	vote(t, env, task.ID, users[0], domain.DecisionYes)
	if _, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &users[0], Decision: domain.DecisionNo, ActorID: users[0],
	}); err == nil {
		t.Fatalf("expected duplicate vote error")
	}

	// Banned voters are refused even while eligible.
	if err := env.Repo.SetBanned(env.Ctx, users[1], true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &users[1], Decision: domain.DecisionYes, ActorID: users[1],
	}); err == nil {
		t.Fatalf("expected banned user error")
	}
}

func TestAnonymousVoteSkipsEligibility(t *testing.T) {
	env := newTestEnv(t)
	registerUsers(t, env, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Smoke test?",
		Confidence: 1.0,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	v, _, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, Decision: domain.DecisionYes, ActorID: "load-test",
	})
	if err != nil {
		t.Fatalf("anonymous vote: %v", err)
	}
	if v.UserID != nil {
		t.Fatalf("anonymous vote should carry no user")
	}
}

func TestTerminateVotingIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	registerUsers(t, env, 3)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Abort me",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.TerminateVoting(env.Ctx, task.ID, "operator abort"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.TerminateVoting(env.Ctx, task.ID, "operator abort"); err != nil {
		t.Fatalf("second terminate should be a no-op: %v", err)
	}
	task, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if task.Status != domain.TaskFailed {
		t.Fatalf("status = %s", task.Status)
	}
}

func TestSweeperAdvancesStalledTasks(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Voting.StallTimeout = "1h"
	registerUsers(t, env, 5)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Stalled?",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Jump the clock past the stall timeout.
	env.Engine.Now = func() time.Time { return time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC) }
	sweeper := engine.NewSweeper(env.Engine)
	advanced, err := sweeper.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}
	task, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if task.CurrentPhase != domain.Phase2 {
		t.Fatalf("phase = %s, want PHASE_2", task.CurrentPhase)
	}
	transitions, _ := env.Repo.ListPhaseTransitions(env.Ctx, task.ID)
	if transitions[len(transitions)-1].Reason != "phase stalled" {
		t.Fatalf("reason = %q", transitions[len(transitions)-1].Reason)
	}
}

// flakySettler fails its first calls, then delegates to the real
// settlement services.
type flakySettler struct {
	inner    engine.Settler
	failures int
	calls    int
}

func (f *flakySettler) SettleTask(ctx context.Context, task domain.Task, decision string, votes []domain.Vote) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("settlement backend down")
	}
	return f.inner.SettleTask(ctx, task, decision, votes)
}

func TestSettlementRetriedAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakySettler{inner: env.Engine.Settler, failures: 1}
	env.Engine.Settler = flaky
	users := registerUsers(t, env, 5)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Approve the payout?",
		Confidence: 0.95,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}
	vote(t, env, task.ID, users[0], domain.DecisionYes)
	vote(t, env, task.ID, users[1], domain.DecisionYes)

	// The consensus-reaching vote hits the settlement outage.
	_, eval, err := env.Engine.CastVote(env.Ctx, engine.VoteOptions{
		TaskID: task.ID, UserID: &users[2], Decision: domain.DecisionYes, ActorID: users[2],
	})
	if err == nil {
		t.Fatalf("expected settlement failure to surface")
	}
	if eval.Outcome != engine.OutcomeConsensus {
		t.Fatalf("outcome = %s, want consensus", eval.Outcome)
	}

	// The verdict is durable but the task is marked unsettled; no points
	// have been granted yet.
	task, err = env.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskResolved || task.SettledAt != nil {
		t.Fatalf("task = %s settled_at=%v, want resolved and unsettled", task.Status, task.SettledAt)
	}
	u, _ := env.Repo.GetUser(env.Ctx, users[0])
	if u.Points != 0 {
		t.Fatalf("points granted before settlement completed: %d", u.Points)
	}

	// The sweeper re-drives settlement from the persisted verdict and
	// surviving vote rows.
	sweeper := engine.NewSweeper(env.Engine)
	n, err := sweeper.Sweep(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("sweep = %d, want 1 settled task", n)
	}
	if flaky.calls != 2 {
		t.Fatalf("settler calls = %d, want 2", flaky.calls)
	}
	task, _ = env.Repo.GetTask(env.Ctx, task.ID)
	if task.SettledAt == nil {
		t.Fatalf("task should be marked settled after retry")
	}
	for _, id := range users[:3] {
		u, err := env.Repo.GetUser(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if u.Points != 3 || u.TotalVotes != 1 || u.CorrectVotes != 1 {
			t.Fatalf("%s = %d points %d/%d votes", id, u.Points, u.CorrectVotes, u.TotalVotes)
		}
	}

	// Settled tasks are never re-settled.
	n, err = sweeper.Sweep(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d (err=%v), want no-op", n, err)
	}
	if flaky.calls != 2 {
		t.Fatalf("settlement re-ran on a settled task: %d calls", flaky.calls)
	}
}

func TestSparseLeaderboardFallsBackToTopRanked(t *testing.T) {
	env := newTestEnv(t)
	users := registerUsers(t, env, 5)
	// Only two voters carry any ranked history.
	seedAccuracy(t, env, users[0], 9, 10)
	seedAccuracy(t, env, users[1], 5, 10)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Query:      "Escalate to the expert pool?",
		Confidence: 0.70,
		ActorID:    "ai-agent",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Phase 2's 50% cut keeps rank 1 of 2; no rescue needed yet.
	eval, err := env.Engine.ForceAdvance(env.Ctx, task.ID, "phase stalled")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Outcome != engine.OutcomeAdvance {
		t.Fatalf("outcome = %s, want advance", eval.Outcome)
	}
	pool, err := env.Repo.ListEligibility(env.Ctx, task.ID, domain.Phase2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pool) != 1 || pool[0].UserID != users[0] {
		t.Fatalf("phase 2 pool = %+v, want just %s", pool, users[0])
	}

	// Phase 3's 10% cut is empty on a two-entry leaderboard: the top-3
	// rescue keeps the task votable instead of stalling it.
	eval, err = env.Engine.ForceAdvance(env.Ctx, task.ID, "phase stalled")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Outcome != engine.OutcomeAdvance {
		t.Fatalf("outcome = %s, want advance", eval.Outcome)
	}
	pool, err = env.Repo.ListEligibility(env.Ctx, task.ID, domain.Phase3)
	if err != nil {
		t.Fatal(err)
	}
	if len(pool) != 2 || pool[0].UserID != users[0] || pool[1].UserID != users[1] {
		t.Fatalf("phase 3 pool = %+v, want both ranked voters", pool)
	}
	for _, e := range pool {
		if !strings.Contains(e.Reason, "sparse pool fallback") {
			t.Fatalf("eligibility reason = %q, want fallback recorded", e.Reason)
		}
	}
	// Unranked voters stay out even under the rescue.
	ok, err := env.Repo.IsEligible(env.Ctx, task.ID, users[2], domain.Phase3)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("%s has no ranked history and should not be rescued", users[2])
	}
}

func TestRegisterUserRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterUser(env.Ctx, engine.UserCreateOptions{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, engine.UserCreateOptions{ID: "alice"}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
