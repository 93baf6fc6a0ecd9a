package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"hireline/internal/config"
	"hireline/internal/db"
	"hireline/internal/domain"
	"hireline/internal/engine"
	"hireline/internal/migrate"
	"hireline/internal/oracle"
)

// Fixture accounts: acme employs, beta works, charlie refers, lowly fails
// the uptime gate and ghost is unknown to the directory.
const (
	accOwner    = "owner"
	accEmployer = "acme"
	accWorker   = "beta"
	accReferrer = "charlie"
	accLowly    = "lowly"
	accGhost    = "ghost"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	clock  time.Time
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
	params := config.Default(accOwner)
	params.Oracle.Agents = map[string]config.StaticAgent{
		accEmployer: {Name: "Acme Labs", Score: 900},
		accWorker:   {Name: "Beta Agent", Score: 800},
		accReferrer: {Name: "Charlie", Score: 700},
		accLowly:    {Name: "Lowly", Score: 10},
	}
	env := &testEnv{
		Ctx:   context.Background(),
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, params, oracle.NewStatic(params.Oracle.Agents))
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) nowUnix() int64 {
	return env.clock.Unix()
}

// recurringTerms is the canonical payroll: 100k per hour for three periods,
// which reserves 200k of runway at the default two-period minimum.
func recurringTerms() domain.OfferTerms {
	return domain.OfferTerms{
		Recurring: domain.RecurringTerms{
			AmountPerPeriod: 100_000,
			PeriodSeconds:   3600,
			TotalPeriods:    3,
		},
	}
}

func (env *testEnv) postJob(t *testing.T) domain.Job {
	t.Helper()
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Employer:            accEmployer,
		MetadataURI:         "ipfs://job-meta",
		Visibility:          domain.JobVisibilityPublic,
		ApplicationDeadline: env.nowUnix() + 86400,
		CompModeMask:        0b111,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// matchJob posts a job, applies as the worker, proposes terms from the
// employer side and accepts them as the worker.
func (env *testEnv) matchJob(t *testing.T, terms domain.OfferTerms) (domain.Job, domain.Offer) {
	t.Helper()
	job := env.postJob(t)
	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	offer, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, terms)
	if err != nil {
		t.Fatalf("propose offer: %v", err)
	}
	job, err = env.Engine.AcceptOffer(env.Ctx, job.ID, offer.ID, accWorker)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	return job, offer
}

// activeAgreement runs the full flow up to an active agreement: match,
// activate, fund both bonds and the reserved runway minimum plus extraRunway.
func (env *testEnv) activeAgreement(t *testing.T, terms domain.OfferTerms, referrer string, extraRunway int64) domain.Agreement {
	t.Helper()
	job, offer := env.matchJob(t, terms)
	a, err := env.Engine.ActivateAgreement(env.Ctx, job.ID, offer.ID, accEmployer, referrer)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	params := env.Engine.Params()
	reserved := terms.Recurring.AmountPerPeriod * params.MinRunwayPeriods
	if _, err := env.Engine.FundEmployerRunway(env.Ctx, a.ID, accEmployer, a.Terms.EmployerBondRequired+reserved+extraRunway); err != nil {
		t.Fatalf("fund employer: %v", err)
	}
	if _, err := env.Engine.FundWorkerBond(env.Ctx, a.ID, accWorker, a.Terms.WorkerBondRequired); err != nil {
		t.Fatalf("fund worker bond: %v", err)
	}
	a, err = env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusActive {
		t.Fatalf("agreement not active after funding: %s", a.Status)
	}
	return a
}

func (env *testEnv) claimable(t *testing.T, account string) int64 {
	t.Helper()
	amount, err := env.Engine.GetClaimable(env.Ctx, account)
	if err != nil {
		t.Fatalf("claimable %s: %v", account, err)
	}
	return amount
}

func (env *testEnv) reputation(t *testing.T, account string) domain.ReputationSnapshot {
	t.Helper()
	rep, err := env.Engine.GetReputation(env.Ctx, account)
	if err != nil {
		t.Fatalf("reputation %s: %v", account, err)
	}
	return rep
}

func (env *testEnv) seedScore(t *testing.T, account string, score int64) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	snap := domain.ReputationSnapshot{Account: account, Score: score, LastUpdatedTS: env.nowUnix()}
	if err := env.Engine.Repo.UpsertReputationTx(env.Ctx, tx, snap); err != nil {
		t.Fatalf("seed reputation %s: %v", account, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetPaused(env.Ctx, accOwner, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Employer:            accEmployer,
		MetadataURI:         "ipfs://job",
		Visibility:          domain.JobVisibilityPublic,
		ApplicationDeadline: env.nowUnix() + 3600,
		CompModeMask:        0b001,
	})
	if !errors.Is(err, engine.ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	// withdrawals stay open during a pause
	if _, err := env.Engine.WithdrawClaimable(env.Ctx, accWorker); !errors.Is(err, engine.ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
	if _, err := env.Engine.SetPaused(env.Ctx, accOwner, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Employer:            accEmployer,
		MetadataURI:         "ipfs://job",
		Visibility:          domain.JobVisibilityPublic,
		ApplicationDeadline: env.nowUnix() + 3600,
		CompModeMask:        0b001,
	}); err != nil {
		t.Fatalf("create after unpause: %v", err)
	}
}

func TestAdminOwnerGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetPaused(env.Ctx, accEmployer, true); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.Engine.SetProtocolFeeBps(env.Ctx, accOwner, 10_001); !errors.Is(err, engine.ErrInvalidBps) {
		t.Fatalf("expected ErrInvalidBps, got %v", err)
	}
	params, err := env.Engine.SetProtocolFeeBps(env.Ctx, accOwner, 250)
	if err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if params.ProtocolFeeBps != 250 {
		t.Fatalf("fee not applied: %d", params.ProtocolFeeBps)
	}
	// ownership transfer hands over the gate
	if _, err := env.Engine.SetOwner(env.Ctx, accOwner, accEmployer); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if _, err := env.Engine.SetTreasury(env.Ctx, accOwner, accReferrer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("old owner should be locked out, got %v", err)
	}
	if _, err := env.Engine.SetTreasury(env.Ctx, accEmployer, accReferrer); err != nil {
		t.Fatalf("new owner set treasury: %v", err)
	}
}

func TestSetRiskParams(t *testing.T) {
	env := newTestEnv(t)
	rp := engine.RiskParams{
		MinEmployerBond:               2_000,
		MinWorkerBond:                 1_000,
		MinRunwayPeriods:              3,
		DefaultNoticeSeconds:          3600,
		TerminationPenaltyBps:         1_000,
		MilestoneReviewTimeoutSeconds: 7200,
		MaxMilestonesPerAgreement:     16,
		ScoreStart:                    600,
	}
	params, err := env.Engine.SetRiskParams(env.Ctx, accOwner, rp)
	if err != nil {
		t.Fatalf("set risk params: %v", err)
	}
	if params.MinEmployerBond != 2_000 || params.MinRunwayPeriods != 3 || params.ScoreStart != 600 {
		t.Fatalf("risk params not applied: %+v", params)
	}
	if got := env.Engine.Params(); got.TerminationPenaltyBps != 1_000 {
		t.Fatalf("live params not swapped: %d", got.TerminationPenaltyBps)
	}
}

func TestReputationDefaultsToStartScore(t *testing.T) {
	env := newTestEnv(t)
	rep := env.reputation(t, accGhost)
	if rep.Score != 500 || rep.AgreementsStarted != 0 {
		t.Fatalf("expected fresh snapshot at start score, got %+v", rep)
	}
}

func TestReputationScoreFloor(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), "", 0)

	// drain the runway, then push the employer close to zero so the
	// default penalty would land below the floor
	for i := 0; i < 2; i++ {
		env.advance(time.Hour)
		if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
	}
	env.seedScore(t, accEmployer, 30)
	env.advance(time.Hour)
	claim, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker)
	if err != nil {
		t.Fatalf("defaulting claim: %v", err)
	}
	if !claim.Defaulted {
		t.Fatalf("expected default, got %+v", claim)
	}
	if rep := env.reputation(t, accEmployer); rep.Score != 0 || rep.DefaultsAsEmployer != 1 {
		t.Fatalf("employer rep not clamped at floor: %+v", rep)
	}
}

func TestReputationScoreCeiling(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, milestoneTerms(env.nowUnix()), "", 0)
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 50_000); err != nil {
		t.Fatalf("top up: %v", err)
	}
	env.seedScore(t, accWorker, 995)
	env.seedScore(t, accEmployer, 990)

	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// settlement (+3) plus the completion bonus (+25) would overshoot
	if _, err := env.Engine.ApproveMilestone(env.Ctx, a.ID, 1, accEmployer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rep := env.reputation(t, accWorker); rep.Score != 1_000 {
		t.Fatalf("worker rep not clamped at ceiling: %+v", rep)
	}
	if rep := env.reputation(t, accEmployer); rep.Score != 1_000 {
		t.Fatalf("employer rep not clamped at ceiling: %+v", rep)
	}
}
