package engine_test

import (
	"errors"
	"testing"
	"time"

	"hireline/internal/domain"
	"hireline/internal/engine"
)

func milestoneTerms(now int64) domain.OfferTerms {
	return domain.OfferTerms{
		Milestones: []domain.MilestoneSpec{
			{ID: 1, Amount: 50_000, DueTS: now + 86400, ReviewTimeoutSeconds: 3600},
		},
	}
}

func TestActivationFlow(t *testing.T) {
	env := newTestEnv(t)
	job, offer := env.matchJob(t, recurringTerms())

	if _, err := env.Engine.ActivateAgreement(env.Ctx, job.ID, offer.ID+1, accEmployer, ""); !errors.Is(err, engine.ErrOfferNotAccepted) {
		t.Fatalf("expected ErrOfferNotAccepted, got %v", err)
	}
	if _, err := env.Engine.ActivateAgreement(env.Ctx, job.ID, offer.ID, accGhost, ""); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	a, err := env.Engine.ActivateAgreement(env.Ctx, job.ID, offer.ID, accEmployer, "")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if a.Status != domain.AgreementStatusPendingFunding {
		t.Fatalf("status = %s", a.Status)
	}
	// bond floors from protocol params apply when the offer asks for less
	if a.Terms.EmployerBondRequired != 1_000 || a.Terms.WorkerBondRequired != 500 {
		t.Fatalf("bond requirements: %+v", a.Terms)
	}

	// the accepted offer is consumed exactly once
	if _, err := env.Engine.ActivateAgreement(env.Ctx, job.ID, offer.ID, accWorker, ""); !errors.Is(err, engine.ErrOfferConsumed) {
		t.Fatalf("expected ErrOfferConsumed, got %v", err)
	}

	// employer deposits fill the bond shortfall before the runway
	f, err := env.Engine.FundEmployerRunway(env.Ctx, a.ID, accEmployer, 400)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if f.EmployerBondLocked != 400 || f.RunwayBalance != 0 {
		t.Fatalf("partial bond fill: %+v", f)
	}
	f, err = env.Engine.FundEmployerRunway(env.Ctx, a.ID, accEmployer, 200_600)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if f.EmployerBondLocked != 1_000 || f.RunwayBalance != 200_000 {
		t.Fatalf("bond then runway: %+v", f)
	}
	if f.ReservedRecurringMinimum != 200_000 {
		t.Fatalf("reserved = %d", f.ReservedRecurringMinimum)
	}

	// still pending without the worker bond; no top-ups yet either
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 1); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.Engine.FundWorkerBond(env.Ctx, a.ID, accEmployer, 500); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.Engine.FundWorkerBond(env.Ctx, a.ID, accWorker, 500); err != nil {
		t.Fatalf("worker bond: %v", err)
	}

	a, err = env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusActive {
		t.Fatalf("status = %s", a.Status)
	}
	if a.Terms.Recurring.NextPayTS != a.ActivatedAt+3600 {
		t.Fatalf("next pay ts = %d, activated %d", a.Terms.Recurring.NextPayTS, a.ActivatedAt)
	}
	// both parties got a reputation snapshot at activation
	if rep := env.reputation(t, accWorker); rep.Score != 500 || rep.AgreementsStarted != 1 {
		t.Fatalf("worker rep: %+v", rep)
	}
}

func TestClaimRecurringPay(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), "", 0)

	if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accEmployer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline before period end, got %v", err)
	}

	env.advance(time.Hour)
	claim, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.PeriodIndex != 1 || claim.Gross != 100_000 || claim.Fee != 1_500 || claim.WorkerNet != 98_500 {
		t.Fatalf("claim split: %+v", claim)
	}
	if got := env.claimable(t, accWorker); got != 98_500 {
		t.Fatalf("worker claimable = %d", got)
	}
	// without a referrer the whole fee lands in the treasury
	if got := env.claimable(t, accOwner); got != 1_500 {
		t.Fatalf("treasury claimable = %d", got)
	}
	if rep := env.reputation(t, accEmployer); rep.Score != 505 || rep.OnTimeRecurringPayments != 1 {
		t.Fatalf("employer rep: %+v", rep)
	}

	// the schedule advances one period per claim
	if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline for early second claim, got %v", err)
	}
}

func TestReferralShare(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), accReferrer, 0)

	env.advance(time.Hour)
	if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// the referral cut comes out of the fee, not the worker's net
	if got := env.claimable(t, accReferrer); got != 450 {
		t.Fatalf("referrer claimable = %d", got)
	}
	if got := env.claimable(t, accOwner); got != 1_050 {
		t.Fatalf("treasury claimable = %d", got)
	}
	if got := env.claimable(t, accWorker); got != 98_500 {
		t.Fatalf("worker claimable = %d", got)
	}
}

func TestEmployerDefaultOnUnderfundedClaim(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), "", 0)

	env.advance(time.Hour)
	for i := 0; i < 2; i++ {
		claim, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker)
		if err != nil || claim.Defaulted {
			t.Fatalf("claim %d: %+v %v", i, claim, err)
		}
		env.advance(time.Hour)
	}

	// the runway is dry for period three: the claim defaults the employer
	claim, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker)
	if err != nil {
		t.Fatalf("defaulting claim: %v", err)
	}
	if !claim.Defaulted {
		t.Fatalf("expected default, got %+v", claim)
	}

	a, err = env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusNoticePeriod || a.DefaultSide != domain.SideEmployer {
		t.Fatalf("agreement after default: %+v", a)
	}
	if rep := env.reputation(t, accEmployer); rep.Score != 450 || rep.DefaultsAsEmployer != 1 {
		t.Fatalf("employer rep: %+v", rep)
	}

	// a default carries a zero-length notice; finalize settles immediately
	a, err = env.Engine.FinalizeTerminate(env.Ctx, a.ID, accWorker)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if a.Status != domain.AgreementStatusTerminated {
		t.Fatalf("status = %s", a.Status)
	}
	// 5% of the employer bond goes to the worker, the rest is refunded
	if got := env.claimable(t, accEmployer); got != 950 {
		t.Fatalf("employer claimable = %d", got)
	}
	if got := env.claimable(t, accWorker); got != 2*98_500+50+500 {
		t.Fatalf("worker claimable = %d", got)
	}
}

func TestRecurringCompletion(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), "", 100_000)

	for i := 0; i < 3; i++ {
		env.advance(time.Hour)
		if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
	}

	a, err := env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusCompleted {
		t.Fatalf("status = %s", a.Status)
	}
	// bonds come back on completion
	if got := env.claimable(t, accEmployer); got != 1_000 {
		t.Fatalf("employer claimable = %d", got)
	}
	if got := env.claimable(t, accWorker); got != 3*98_500+500 {
		t.Fatalf("worker claimable = %d", got)
	}
	if rep := env.reputation(t, accEmployer); rep.Score != 540 || rep.AgreementsCompleted != 1 {
		t.Fatalf("employer rep: %+v", rep)
	}
	if rep := env.reputation(t, accWorker); rep.Score != 525 {
		t.Fatalf("worker rep: %+v", rep)
	}

	stats, err := env.Engine.ProtocolStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedAgreements != 1 || stats.ActiveAgreements != 0 {
		t.Fatalf("agreement counters: %+v", stats)
	}
	if stats.TotalGrossPayouts != 300_000 || stats.TotalProtocolFees != 4_500 {
		t.Fatalf("payout counters: %+v", stats)
	}

	amount, err := env.Engine.WithdrawClaimable(env.Ctx, accWorker)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount != 3*98_500+500 {
		t.Fatalf("withdrew %d", amount)
	}
	if _, err := env.Engine.WithdrawClaimable(env.Ctx, accWorker); !errors.Is(err, engine.ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
	withdrawals, err := env.Engine.ListWithdrawals(env.Ctx, accWorker, 10, 0)
	if err != nil {
		t.Fatalf("list withdrawals: %v", err)
	}
	if len(withdrawals) != 1 {
		t.Fatalf("withdrawals = %d", len(withdrawals))
	}
}

func TestMilestoneLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, milestoneTerms(env.nowUnix()), "", 0)
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 50_000); err != nil {
		t.Fatalf("top up: %v", err)
	}

	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accEmployer, "ipfs://proof"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	m, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.State != domain.MilestoneStateSubmitted || m.ReviewDeadline != env.nowUnix()+3600 {
		t.Fatalf("submitted milestone: %+v", m)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof"); !errors.Is(err, engine.ErrMilestoneState) {
		t.Fatalf("expected ErrMilestoneState on resubmit, got %v", err)
	}

	if _, err := env.Engine.ApproveMilestone(env.Ctx, a.ID, 1, accWorker); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	m, err = env.Engine.ApproveMilestone(env.Ctx, a.ID, 1, accEmployer)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.State != domain.MilestoneStatePaid || m.SettlementMode != domain.SettlementModeApproved {
		t.Fatalf("paid milestone: %+v", m)
	}

	// the last milestone settling completes the agreement and frees bonds
	a, err = env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusCompleted {
		t.Fatalf("status = %s", a.Status)
	}
	if got := env.claimable(t, accWorker); got != 50_000-750+500 {
		t.Fatalf("worker claimable = %d", got)
	}
	if rep := env.reputation(t, accWorker); rep.MilestonesSettled != 1 || rep.Score != 528 {
		t.Fatalf("worker rep: %+v", rep)
	}
}

func TestMilestoneRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, milestoneTerms(env.nowUnix()), "", 0)
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 50_000); err != nil {
		t.Fatalf("top up: %v", err)
	}

	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m, err := env.Engine.RejectMilestone(env.Ctx, a.ID, 1, accEmployer, "ipfs://reason")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if m.State != domain.MilestoneStateRejected {
		t.Fatalf("state = %s", m.State)
	}

	// no resubmission, no late auto-approval
	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://retry"); !errors.Is(err, engine.ErrMilestoneState) {
		t.Fatalf("expected ErrMilestoneState, got %v", err)
	}
	env.advance(2 * time.Hour)
	if _, err := env.Engine.AutoApproveMilestone(env.Ctx, a.ID, 1, accReferrer); !errors.Is(err, engine.ErrMilestoneState) {
		t.Fatalf("expected ErrMilestoneState, got %v", err)
	}

	// the unpaid milestone keeps the agreement from ever completing
	a, err = env.Engine.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if a.Status != domain.AgreementStatusActive {
		t.Fatalf("status = %s", a.Status)
	}
}

func TestMilestoneAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, milestoneTerms(env.nowUnix()), "", 0)
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 50_000); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.Engine.AutoApproveMilestone(env.Ctx, a.ID, 1, accWorker); !errors.Is(err, engine.ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached before deadline, got %v", err)
	}

	env.advance(2 * time.Hour)
	// the employer's review window is closed
	if _, err := env.Engine.RejectMilestone(env.Ctx, a.ID, 1, accEmployer, "ipfs://too-late"); !errors.Is(err, engine.ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached for late reject, got %v", err)
	}
	// anyone may force the approval once it lapses
	m, err := env.Engine.AutoApproveMilestone(env.Ctx, a.ID, 1, accReferrer)
	if err != nil {
		t.Fatalf("auto approve: %v", err)
	}
	if m.State != domain.MilestoneStatePaid || m.SettlementMode != domain.SettlementModeAutoApproved {
		t.Fatalf("milestone: %+v", m)
	}
}

func TestMilestoneReserveGuard(t *testing.T) {
	env := newTestEnv(t)
	terms := recurringTerms()
	terms.Milestones = []domain.MilestoneSpec{
		{ID: 1, Amount: 50_000, DueTS: env.nowUnix() + 86400, ReviewTimeoutSeconds: 3600},
	}
	a := env.activeAgreement(t, terms, "", 0)

	if _, err := env.Engine.SubmitMilestone(env.Ctx, a.ID, 1, accWorker, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// paying the milestone would dip into the reserved recurring minimum
	if _, err := env.Engine.ApproveMilestone(env.Ctx, a.ID, 1, accEmployer); !errors.Is(err, engine.ErrInsufficientRunway) {
		t.Fatalf("expected ErrInsufficientRunway, got %v", err)
	}
	if _, err := env.Engine.TopUpRunway(env.Ctx, a.ID, accEmployer, 50_000); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if _, err := env.Engine.ApproveMilestone(env.Ctx, a.ID, 1, accEmployer); err != nil {
		t.Fatalf("approve after top up: %v", err)
	}
}

func TestRevenueShare(t *testing.T) {
	env := newTestEnv(t)
	terms := recurringTerms()
	terms.ProfitShareBps = 4_000
	a := env.activeAgreement(t, terms, "", 0)

	if _, err := env.Engine.DepositRevenue(env.Ctx, a.ID, accReferrer, 0); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	// deposits are permissionless
	split, err := env.Engine.DepositRevenue(env.Ctx, a.ID, accReferrer, 100_000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if split.ProtocolFee != 1_500 || split.WorkerShare != 39_400 || split.EmployerShare != 59_100 {
		t.Fatalf("split: %+v", split)
	}
	if got := env.claimable(t, accWorker); got != 39_400 {
		t.Fatalf("worker claimable = %d", got)
	}
	if got := env.claimable(t, accEmployer); got != 59_100 {
		t.Fatalf("employer claimable = %d", got)
	}
	if got := env.claimable(t, accOwner); got != 1_500 {
		t.Fatalf("treasury claimable = %d", got)
	}

	stats, err := env.Engine.ProtocolStats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRevenueDeposited != 100_000 {
		t.Fatalf("revenue counter: %+v", stats)
	}
}

func TestBondedTermination(t *testing.T) {
	env := newTestEnv(t)
	a := env.activeAgreement(t, recurringTerms(), "", 0)

	if _, err := env.Engine.RequestTerminate(env.Ctx, a.ID, accEmployer, domain.OfferPartyWorker); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	a, err := env.Engine.RequestTerminate(env.Ctx, a.ID, accWorker, domain.OfferPartyWorker)
	if err != nil {
		t.Fatalf("request terminate: %v", err)
	}
	if a.Status != domain.AgreementStatusNoticePeriod || a.RequestedBySide != domain.SideWorker {
		t.Fatalf("agreement: %+v", a)
	}
	if a.NoticeEndTS != a.NoticeStartTS+7*24*3600 {
		t.Fatalf("notice window: %+v", a)
	}

	// recurring claims stop during the notice period
	env.advance(time.Hour)
	if _, err := env.Engine.ClaimRecurringPay(env.Ctx, a.ID, accWorker); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.Engine.FinalizeTerminate(env.Ctx, a.ID, accEmployer); !errors.Is(err, engine.ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached, got %v", err)
	}

	env.advance(7 * 24 * time.Hour)
	a, err = env.Engine.FinalizeTerminate(env.Ctx, a.ID, accEmployer)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if a.Status != domain.AgreementStatusTerminated {
		t.Fatalf("status = %s", a.Status)
	}
	// 5% of the initiator's bond goes to the counterparty
	if got := env.claimable(t, accEmployer); got != 1_025 {
		t.Fatalf("employer claimable = %d", got)
	}
	if got := env.claimable(t, accWorker); got != 475 {
		t.Fatalf("worker claimable = %d", got)
	}
	if rep := env.reputation(t, accWorker); rep.Score != 480 || rep.TerminationsInitiated != 1 {
		t.Fatalf("worker rep: %+v", rep)
	}

	// the runway stays locked in the agreement
	fin, err := env.Engine.GetAgreementFinancials(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("financials: %v", err)
	}
	if fin.Funding.RunwayBalance != 200_000 || fin.Funding.EmployerBondLocked != 0 || fin.Funding.WorkerBondLocked != 0 {
		t.Fatalf("funding after terminate: %+v", fin.Funding)
	}
}

func TestEventFeed(t *testing.T) {
	env := newTestEnv(t)
	env.activeAgreement(t, recurringTerms(), "", 0)

	evs, err := env.Engine.ListEvents(env.Ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evs) == 0 {
		t.Fatalf("no events recorded")
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].ID <= evs[i-1].ID {
			t.Fatalf("event ids out of order: %d then %d", evs[i-1].ID, evs[i].ID)
		}
	}
	// the cursor skips everything at or before after_id
	tail, err := env.Engine.ListEvents(env.Ctx, evs[0].ID, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(tail) != len(evs)-1 {
		t.Fatalf("cursor returned %d of %d", len(tail), len(evs))
	}
}
