package engine_test

import (
	"errors"
	"testing"
	"time"

	"hireline/internal/domain"
	"hireline/internal/engine"
)

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	deadline := env.nowUnix() + 86400

	cases := []struct {
		name string
		opts engine.JobCreateOptions
		want error
	}{
		{"empty metadata", engine.JobCreateOptions{
			Employer: accEmployer, Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: deadline, CompModeMask: 0b111,
		}, engine.ErrInvalidAmount},
		{"past deadline", engine.JobCreateOptions{
			Employer: accEmployer, MetadataURI: "ipfs://x", Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: env.nowUnix() - 1, CompModeMask: 0b111,
		}, engine.ErrInvalidDeadline},
		{"public with invites", engine.JobCreateOptions{
			Employer: accEmployer, MetadataURI: "ipfs://x", Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: deadline, CompModeMask: 0b111, Invited: []string{accWorker},
		}, engine.ErrInvalidState},
		{"bad visibility", engine.JobCreateOptions{
			Employer: accEmployer, MetadataURI: "ipfs://x", Visibility: "hidden",
			ApplicationDeadline: deadline, CompModeMask: 0b111,
		}, engine.ErrInvalidState},
		{"zero comp mask", engine.JobCreateOptions{
			Employer: accEmployer, MetadataURI: "ipfs://x", Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: deadline,
		}, engine.ErrInvalidState},
		{"low uptime employer", engine.JobCreateOptions{
			Employer: accLowly, MetadataURI: "ipfs://x", Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: deadline, CompModeMask: 0b111,
		}, engine.ErrLowUptime},
		{"unregistered employer", engine.JobCreateOptions{
			Employer: accGhost, MetadataURI: "ipfs://x", Visibility: domain.JobVisibilityPublic,
			ApplicationDeadline: deadline, CompModeMask: 0b111,
		}, engine.ErrNotRegistered},
	}
	for _, tc := range cases {
		if _, err := env.Engine.CreateJob(env.Ctx, tc.opts); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestApplyFlow(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)

	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if app.JobID != job.ID || app.Applicant != accWorker {
		t.Fatalf("bad application: %+v", app)
	}
	// first application flips the job into negotiation
	job, err = env.Engine.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusInNegotiation {
		t.Fatalf("expected in_negotiation, got %s", job.Status)
	}
	if job.ApplicationCount != 1 {
		t.Fatalf("application count = %d", job.ApplicationCount)
	}

	if _, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://again"); !errors.Is(err, engine.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accLowly, "ipfs://application"); !errors.Is(err, engine.ErrLowUptime) {
		t.Fatalf("expected ErrLowUptime, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accGhost, "ipfs://application"); !errors.Is(err, engine.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	env.advance(48 * time.Hour)
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accReferrer, "ipfs://late"); !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline after deadline, got %v", err)
	}
}

func TestApplyMinWorkerScore(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Employer:            accEmployer,
		MetadataURI:         "ipfs://senior-role",
		Visibility:          domain.JobVisibilityPublic,
		ApplicationDeadline: env.nowUnix() + 86400,
		MinWorkerScore:      750,
		CompModeMask:        0b111,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	// charlie's 700 clears the protocol floor but not this job's bar
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accReferrer, "ipfs://application"); !errors.Is(err, engine.ErrLowUptime) {
		t.Fatalf("expected ErrLowUptime, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application"); err != nil {
		t.Fatalf("apply at 800: %v", err)
	}
}

func TestInviteOnlyJob(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
		Employer:            accEmployer,
		MetadataURI:         "ipfs://private-role",
		Visibility:          domain.JobVisibilityInviteOnly,
		ApplicationDeadline: env.nowUnix() + 86400,
		CompModeMask:        0b111,
		Invited:             []string{accWorker},
	})
	if err != nil {
		t.Fatalf("create invite job: %v", err)
	}

	invites, err := env.Engine.ListInvites(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("list invites: %v", err)
	}
	if len(invites) != 1 || invites[0] != accWorker {
		t.Fatalf("invites = %v", invites)
	}

	if _, err := env.Engine.Apply(env.Ctx, job.ID, accReferrer, "ipfs://application"); !errors.Is(err, engine.ErrNotInvited) {
		t.Fatalf("expected ErrNotInvited, got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application"); err != nil {
		t.Fatalf("invited apply: %v", err)
	}
}

func TestOfferTermsValidation(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	bad := recurringTerms()
	bad.ProfitShareBps = 10_001
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, bad); !errors.Is(err, engine.ErrInvalidBps) {
		t.Fatalf("expected ErrInvalidBps, got %v", err)
	}

	partial := domain.OfferTerms{Recurring: domain.RecurringTerms{AmountPerPeriod: 100, TotalPeriods: 0, PeriodSeconds: 3600}}
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, partial); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for partial recurring, got %v", err)
	}

	zeroMilestone := domain.OfferTerms{Milestones: []domain.MilestoneSpec{{ID: 1, Amount: 0, ReviewTimeoutSeconds: 3600}}}
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, zeroMilestone); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero milestone, got %v", err)
	}

	// milestone IDs must be positive and unique; a duplicate that slipped
	// through here would make the accepted offer un-activatable
	badID := domain.OfferTerms{Milestones: []domain.MilestoneSpec{{ID: 0, Amount: 1_000, ReviewTimeoutSeconds: 3600}}}
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, badID); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero milestone id, got %v", err)
	}
	dupID := domain.OfferTerms{Milestones: []domain.MilestoneSpec{
		{ID: 1, Amount: 1_000, ReviewTimeoutSeconds: 3600},
		{ID: 1, Amount: 2_000, ReviewTimeoutSeconds: 3600},
	}}
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, dupID); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for duplicate milestone id, got %v", err)
	}

	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accGhost, recurringTerms()); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for outsider, got %v", err)
	}
}

func TestOfferNegotiation(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	first, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, recurringTerms())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if first.Party != domain.OfferPartyEmployer || first.Counterparty != accWorker {
		t.Fatalf("bad root offer: %+v", first)
	}

	// a second root offer while the first is live is blocked
	if _, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accWorker, recurringTerms()); !errors.Is(err, engine.ErrStaleOffer) {
		t.Fatalf("expected ErrStaleOffer, got %v", err)
	}

	better := recurringTerms()
	better.Recurring.AmountPerPeriod = 120_000
	counter, err := env.Engine.CounterOffer(env.Ctx, job.ID, first.ID, accWorker, better)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if counter.RoundIndex != 1 || counter.ParentOfferID != first.ID || counter.Party != domain.OfferPartyWorker {
		t.Fatalf("bad counter: %+v", counter)
	}

	// the superseded offer can no longer be countered or accepted
	if _, err := env.Engine.CounterOffer(env.Ctx, job.ID, first.ID, accWorker, better); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on countered offer, got %v", err)
	}
	if _, err := env.Engine.AcceptOffer(env.Ctx, job.ID, first.ID, accWorker); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState accepting countered offer, got %v", err)
	}

	// only the counterparty may accept
	if _, err := env.Engine.AcceptOffer(env.Ctx, job.ID, counter.ID, accWorker); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	job, err = env.Engine.AcceptOffer(env.Ctx, job.ID, counter.ID, accEmployer)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if job.Status != domain.JobStatusMatched || job.AcceptedOfferID != counter.ID {
		t.Fatalf("job not matched: %+v", job)
	}

	summary, err := env.Engine.GetAcceptedOffer(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("accepted offer: %v", err)
	}
	if summary.Worker != accWorker || summary.Terms.Recurring.AmountPerPeriod != 120_000 {
		t.Fatalf("bad summary: %+v", summary)
	}

	// matched jobs take no further applications or acceptances
	if _, err := env.Engine.Apply(env.Ctx, job.ID, accReferrer, "ipfs://late"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := env.Engine.AcceptOffer(env.Ctx, job.ID, counter.ID, accEmployer); !errors.Is(err, engine.ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}
}

func TestCounterofferLimit(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	offer, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, recurringTerms())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	limit := env.Engine.Params().MaxCounteroffersPerApplication
	caller := accWorker
	for i := int64(0); i < limit; i++ {
		offer, err = env.Engine.CounterOffer(env.Ctx, job.ID, offer.ID, caller, recurringTerms())
		if err != nil {
			t.Fatalf("counter %d: %v", i, err)
		}
		if caller == accWorker {
			caller = accEmployer
		} else {
			caller = accWorker
		}
	}
	if _, err := env.Engine.CounterOffer(env.Ctx, job.ID, offer.ID, caller, recurringTerms()); !errors.Is(err, engine.ErrCounterLimit) {
		t.Fatalf("expected ErrCounterLimit, got %v", err)
	}
	// the ping-pong can still end in an acceptance
	if _, err := env.Engine.AcceptOffer(env.Ctx, job.ID, offer.ID, caller); err != nil {
		t.Fatalf("accept at limit: %v", err)
	}
}

func TestRejectAndWithdrawOffer(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)
	app, err := env.Engine.Apply(env.Ctx, job.ID, accWorker, "ipfs://application")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	offer, err := env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accEmployer, recurringTerms())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	// reject belongs to the counterparty, withdraw to the proposer
	if err := env.Engine.RejectOffer(env.Ctx, job.ID, offer.ID, accEmployer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.Engine.RejectOffer(env.Ctx, job.ID, offer.ID, accWorker); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := env.Engine.GetOffer(env.Ctx, offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != domain.OfferStatusRejected {
		t.Fatalf("status = %s", got.Status)
	}

	// a rejected thread reopens for a fresh root offer
	offer, err = env.Engine.ProposeOffer(env.Ctx, job.ID, app.ID, accWorker, recurringTerms())
	if err != nil {
		t.Fatalf("re-propose: %v", err)
	}
	if err := env.Engine.WithdrawOffer(env.Ctx, job.ID, offer.ID, accEmployer); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.Engine.WithdrawOffer(env.Ctx, job.ID, offer.ID, accWorker); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, err = env.Engine.GetOffer(env.Ctx, offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != domain.OfferStatusWithdrawn {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCancelAndExpireJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.postJob(t)

	if err := env.Engine.CancelJob(env.Ctx, job.ID, accWorker); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.Engine.CancelJob(env.Ctx, job.ID, accEmployer); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job, err := env.Engine.GetJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusClosed {
		t.Fatalf("status = %s", job.Status)
	}
	if err := env.Engine.CancelJob(env.Ctx, job.ID, accEmployer); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}

	other := env.postJob(t)
	if err := env.Engine.ExpireJob(env.Ctx, other.ID, accReferrer); !errors.Is(err, engine.ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline before deadline, got %v", err)
	}
	env.advance(48 * time.Hour)
	// anyone may expire once the deadline lapses
	if err := env.Engine.ExpireJob(env.Ctx, other.ID, accReferrer); err != nil {
		t.Fatalf("expire: %v", err)
	}
	other, err = env.Engine.GetJob(env.Ctx, other.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if other.Status != domain.JobStatusExpired {
		t.Fatalf("status = %s", other.Status)
	}

	matched, _ := env.matchJob(t, recurringTerms())
	if err := env.Engine.CancelJob(env.Ctx, matched.ID, accEmployer); !errors.Is(err, engine.ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}
}

func TestBoardStats(t *testing.T) {
	env := newTestEnv(t)
	env.matchJob(t, recurringTerms())
	env.postJob(t)

	stats, err := env.Engine.BoardStats(env.Ctx)
	if err != nil {
		t.Fatalf("board stats: %v", err)
	}
	if stats.TotalJobs != 2 || stats.OpenJobs != 1 || stats.MatchedJobs != 1 {
		t.Fatalf("job counters: %+v", stats)
	}
	if stats.TotalApplications != 1 || stats.TotalOffers != 1 {
		t.Fatalf("flow counters: %+v", stats)
	}
}
