package engine

import (
	"context"
	"database/sql"

	"hireline/internal/domain"
	"hireline/internal/events"
)

func (e *Engine) requireAgreementTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Agreement, error) {
	a, err := e.Repo.GetAgreementTx(ctx, tx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

// ActivateAgreement consumes an accepted offer into a PendingFunding
// agreement. The offer can be consumed exactly once per job, and only while
// it is still the job's accepted offer.
func (e *Engine) ActivateAgreement(ctx context.Context, jobID, offerID int64, caller, referrer string) (domain.Agreement, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Agreement{}, err
	}
	params := e.Params()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	consumed, err := e.Repo.IsOfferConsumedTx(ctx, tx, jobID, offerID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if consumed {
		return domain.Agreement{}, ErrOfferConsumed
	}

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if job.AcceptedOfferID == 0 || job.AcceptedOfferID != offerID {
		return domain.Agreement{}, ErrOfferNotAccepted
	}
	offer, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return domain.Agreement{}, err
	}
	app, err := e.Repo.GetApplicationTx(ctx, tx, offer.ApplicationID)
	if err != nil {
		return domain.Agreement{}, err
	}
	employer, worker := job.Employer, app.Applicant

	if caller != employer && caller != worker {
		return domain.Agreement{}, ErrUnauthorized
	}
	if err := e.requireEligibleAgent(ctx, employer, params.MinUptimeScore); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.requireEligibleAgent(ctx, worker, params.MinUptimeScore); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.validateOfferTerms(offer.Terms, params.MaxMilestonesPerAgreement); err != nil {
		return domain.Agreement{}, err
	}

	now := e.nowUnix()
	agreement := domain.Agreement{
		JobID:     jobID,
		OfferID:   offerID,
		Employer:  employer,
		Worker:    worker,
		Referrer:  referrer,
		Status:    domain.AgreementStatusPendingFunding,
		CreatedAt: now,
		Terms: domain.AgreementTerms{
			Recurring: domain.RecurringState{
				AmountPerPeriod: offer.Terms.Recurring.AmountPerPeriod,
				PeriodSeconds:   offer.Terms.Recurring.PeriodSeconds,
				TotalPeriods:    offer.Terms.Recurring.TotalPeriods,
			},
			ProfitShareBps:           offer.Terms.ProfitShareBps,
			ProtocolFeeBpsSnapshot:   params.ProtocolFeeBps,
			ReferralShareBpsSnapshot: params.ReferralShareBps,
			EmployerBondRequired:     maxi64(params.MinEmployerBond, offer.Terms.EmployerBondRequired),
			WorkerBondRequired:       maxi64(params.MinWorkerBond, offer.Terms.WorkerBondRequired),
			MilestoneCount:           int64(len(offer.Terms.Milestones)),
		},
	}
	agreement.ID, err = e.Repo.InsertAgreementTx(ctx, tx, agreement)
	if err != nil {
		return domain.Agreement{}, err
	}

	funding := domain.FundingState{
		AgreementID:              agreement.ID,
		ReservedRecurringMinimum: offer.Terms.Recurring.AmountPerPeriod * params.MinRunwayPeriods,
	}
	if err := e.Repo.InsertFundingTx(ctx, tx, funding); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.MarkOfferConsumedTx(ctx, tx, jobID, offerID, agreement.ID, now); err != nil {
		return domain.Agreement{}, err
	}

	for _, spec := range offer.Terms.Milestones {
		timeout := spec.ReviewTimeoutSeconds
		if timeout <= 0 {
			timeout = params.MilestoneReviewTimeoutSeconds
		}
		m := domain.Milestone{
			ID:                   spec.ID,
			AgreementID:          agreement.ID,
			Amount:               spec.Amount,
			DueTS:                spec.DueTS,
			ReviewTimeoutSeconds: timeout,
			MetadataURI:          spec.MetadataURI,
			State:                domain.MilestoneStateOpen,
		}
		if err := e.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
			return domain.Agreement{}, err
		}
	}

	if err := e.ensureReputationInitializedTx(ctx, tx, employer, agreement.ID); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.ensureReputationInitializedTx(ctx, tx, worker, agreement.ID); err != nil {
		return domain.Agreement{}, err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return domain.Agreement{}, err
	}
	stats.TotalAgreements++
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return domain.Agreement{}, err
	}

	if err := e.Events.Append(ctx, tx, events.AgreementCreated, "agreement", agreement.ID, caller, events.EventPayload{
		"job_id":   jobID,
		"offer_id": offerID,
		"employer": employer,
		"worker":   worker,
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	return agreement, nil
}

// tryActivateTx flips PendingFunding to Active once both bonds are covered
// and the runway reaches the reserved recurring minimum.
func (e *Engine) tryActivateTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement, f domain.FundingState) error {
	if a.Status != domain.AgreementStatusPendingFunding {
		return nil
	}
	if f.EmployerBondLocked < a.Terms.EmployerBondRequired {
		return nil
	}
	if f.WorkerBondLocked < a.Terms.WorkerBondRequired {
		return nil
	}
	if f.RunwayBalance < f.ReservedRecurringMinimum {
		return nil
	}

	a.Status = domain.AgreementStatusActive
	a.ActivatedAt = e.nowUnix()
	if a.Terms.Recurring.TotalPeriods > 0 {
		a.Terms.Recurring.NextPayTS = a.ActivatedAt + a.Terms.Recurring.PeriodSeconds
	}
	if err := e.Repo.UpdateAgreementTx(ctx, tx, *a); err != nil {
		return err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return err
	}
	stats.ActiveAgreements++
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.AgreementActivated, "agreement", a.ID, a.Employer, events.EventPayload{
		"activated_at": a.ActivatedAt,
	})
}

func (e *Engine) FundEmployerRunway(ctx context.Context, agreementID int64, caller string, amount int64) (domain.FundingState, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.FundingState{}, err
	}
	if amount <= 0 {
		return domain.FundingState{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FundingState{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}
	if caller != a.Employer {
		return domain.FundingState{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusPendingFunding && a.Status != domain.AgreementStatusActive {
		return domain.FundingState{}, ErrInvalidState
	}

	f, err := e.Repo.GetFundingTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}

	remaining := amount
	if a.Status == domain.AgreementStatusPendingFunding && f.EmployerBondLocked < a.Terms.EmployerBondRequired {
		needed := a.Terms.EmployerBondRequired - f.EmployerBondLocked
		allocate := mini64(remaining, needed)
		f.EmployerBondLocked += allocate
		remaining -= allocate
	}
	f.RunwayBalance += remaining

	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return domain.FundingState{}, err
	}
	if err := e.tryActivateTx(ctx, tx, &a, f); err != nil {
		return domain.FundingState{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RunwayFunded, "agreement", agreementID, caller, events.EventPayload{
		"amount":       amount,
		"runway_after": f.RunwayBalance,
		"bond_after":   f.EmployerBondLocked,
	}); err != nil {
		return domain.FundingState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FundingState{}, err
	}
	return f, nil
}

func (e *Engine) FundWorkerBond(ctx context.Context, agreementID int64, caller string, amount int64) (domain.FundingState, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.FundingState{}, err
	}
	if amount <= 0 {
		return domain.FundingState{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FundingState{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}
	if caller != a.Worker {
		return domain.FundingState{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusPendingFunding && a.Status != domain.AgreementStatusActive {
		return domain.FundingState{}, ErrInvalidState
	}

	f, err := e.Repo.GetFundingTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}
	f.WorkerBondLocked += amount

	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return domain.FundingState{}, err
	}
	if err := e.tryActivateTx(ctx, tx, &a, f); err != nil {
		return domain.FundingState{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkerBondFunded, "agreement", agreementID, caller, events.EventPayload{
		"amount":     amount,
		"bond_after": f.WorkerBondLocked,
	}); err != nil {
		return domain.FundingState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FundingState{}, err
	}
	return f, nil
}

// TopUpRunway adds to the runway of a live agreement; unlike
// FundEmployerRunway it never fills the bond.
func (e *Engine) TopUpRunway(ctx context.Context, agreementID int64, caller string, amount int64) (domain.FundingState, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.FundingState{}, err
	}
	if amount <= 0 {
		return domain.FundingState{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FundingState{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}
	if caller != a.Employer {
		return domain.FundingState{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusActive && a.Status != domain.AgreementStatusNoticePeriod {
		return domain.FundingState{}, ErrInvalidState
	}

	f, err := e.Repo.GetFundingTx(ctx, tx, agreementID)
	if err != nil {
		return domain.FundingState{}, err
	}
	f.RunwayBalance += amount
	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return domain.FundingState{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RunwayFunded, "agreement", agreementID, caller, events.EventPayload{
		"amount":       amount,
		"runway_after": f.RunwayBalance,
	}); err != nil {
		return domain.FundingState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FundingState{}, err
	}
	return f, nil
}

// creditWorkerPayoutTx splits a gross payroll amount: protocol fee off the
// top, referral share carved out of the fee, remainder of the fee to the
// treasury, net to the worker. The splits conserve the gross exactly.
func (e *Engine) creditWorkerPayoutTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement, gross int64, stats *domain.ProtocolStats) (fee, workerNet int64, err error) {
	fee = mulBps(gross, a.Terms.ProtocolFeeBpsSnapshot)
	workerNet = gross - fee

	var referral int64
	if a.Referrer != "" {
		referral = mulBps(fee, a.Terms.ReferralShareBpsSnapshot)
		if err := e.Repo.AddClaimableTx(ctx, tx, a.Referrer, referral); err != nil {
			return 0, 0, err
		}
	}
	treasury := fee - referral

	if err := e.Repo.AddClaimableTx(ctx, tx, a.Worker, workerNet); err != nil {
		return 0, 0, err
	}
	params := e.Params()
	if err := e.Repo.AddClaimableTx(ctx, tx, params.Treasury, treasury); err != nil {
		return 0, 0, err
	}

	stats.TotalProtocolFees += fee
	stats.TotalGrossPayouts += gross
	a.TotalGrossPaid += gross
	a.TotalFeesPaid += fee
	return fee, workerNet, nil
}

// PayClaim reports the outcome of a recurring pay claim. Defaulted means the
// runway could not cover the period and the employer was put into default
// instead of a payout.
type PayClaim struct {
	AgreementID int64 `json:"agreement_id"`
	PeriodIndex int64 `json:"period_index"`
	Gross       int64 `json:"gross"`
	Fee         int64 `json:"fee"`
	WorkerNet   int64 `json:"worker_net"`
	Defaulted   bool  `json:"defaulted"`
}

func (e *Engine) ClaimRecurringPay(ctx context.Context, agreementID int64, caller string) (PayClaim, error) {
	if err := e.requireNotPaused(); err != nil {
		return PayClaim{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PayClaim{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return PayClaim{}, err
	}
	if caller != a.Worker {
		return PayClaim{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusActive {
		return PayClaim{}, ErrInvalidState
	}
	if a.Terms.Recurring.TotalPeriods <= 0 || a.Terms.Recurring.AmountPerPeriod <= 0 {
		return PayClaim{}, ErrInvalidState
	}
	if a.Terms.Recurring.PaidPeriods >= a.Terms.Recurring.TotalPeriods {
		return PayClaim{}, ErrInvalidState
	}
	now := e.nowUnix()
	if now < a.Terms.Recurring.NextPayTS {
		return PayClaim{}, ErrInvalidDeadline
	}

	gross := a.Terms.Recurring.AmountPerPeriod
	f, err := e.Repo.GetFundingTx(ctx, tx, agreementID)
	if err != nil {
		return PayClaim{}, err
	}

	// An underfunded runway is the employer's failure: terminate with a
	// zero-length notice instead of erroring the worker's claim.
	if f.RunwayBalance < gross {
		if err := e.handleEmployerDefaultTx(ctx, tx, &a); err != nil {
			return PayClaim{}, err
		}
		if err := tx.Commit(); err != nil {
			return PayClaim{}, err
		}
		return PayClaim{AgreementID: agreementID, Defaulted: true}, nil
	}

	f.RunwayBalance -= gross
	a.Terms.Recurring.PaidPeriods++
	a.Terms.Recurring.NextPayTS += a.Terms.Recurring.PeriodSeconds

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return PayClaim{}, err
	}
	fee, workerNet, err := e.creditWorkerPayoutTx(ctx, tx, &a, gross, &stats)
	if err != nil {
		return PayClaim{}, err
	}

	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return PayClaim{}, err
	}
	if err := e.Repo.UpdateAgreementTx(ctx, tx, a); err != nil {
		return PayClaim{}, err
	}
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return PayClaim{}, err
	}
	if err := e.applyReputationDeltaTx(ctx, tx, a.Employer, scoreDeltaRecurring, domain.RepReasonOnTimeRecurring, agreementID); err != nil {
		return PayClaim{}, err
	}
	if err := e.Events.Append(ctx, tx, events.PayClaimed, "agreement", agreementID, caller, events.EventPayload{
		"period_index": a.Terms.Recurring.PaidPeriods,
		"gross":        gross,
		"fee":          fee,
		"worker_net":   workerNet,
	}); err != nil {
		return PayClaim{}, err
	}
	if err := e.tryCompleteTx(ctx, tx, &a, &f); err != nil {
		return PayClaim{}, err
	}
	if err := tx.Commit(); err != nil {
		return PayClaim{}, err
	}
	return PayClaim{
		AgreementID: agreementID,
		PeriodIndex: a.Terms.Recurring.PaidPeriods,
		Gross:       gross,
		Fee:         fee,
		WorkerNet:   workerNet,
	}, nil
}

func (e *Engine) handleEmployerDefaultTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement) error {
	now := e.nowUnix()
	a.DefaultSide = domain.SideEmployer
	a.Status = domain.AgreementStatusNoticePeriod
	a.NoticeStartTS = now
	a.NoticeEndTS = now
	a.RequestedBySide = domain.SideWorker
	if err := e.Repo.UpdateAgreementTx(ctx, tx, *a); err != nil {
		return err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return err
	}
	if stats.ActiveAgreements > 0 {
		stats.ActiveAgreements--
	}
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return err
	}
	if err := e.applyReputationDeltaTx(ctx, tx, a.Employer, scoreDeltaEmployerDefault, domain.RepReasonEmployerDefault, a.ID); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.AgreementDefaulted, "agreement", a.ID, a.Worker, events.EventPayload{
		"default_side": domain.SideEmployer,
	})
}

func (e *Engine) SubmitMilestone(ctx context.Context, agreementID, milestoneID int64, caller, proofURI string) (domain.Milestone, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Milestone{}, err
	}
	if len(proofURI) > domain.MaxProofURILen {
		return domain.Milestone{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if caller != a.Worker {
		return domain.Milestone{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusActive {
		return domain.Milestone{}, ErrInvalidState
	}

	m, err := e.Repo.GetMilestoneTx(ctx, tx, agreementID, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.State != domain.MilestoneStateOpen {
		return domain.Milestone{}, ErrMilestoneState
	}

	now := e.nowUnix()
	m.State = domain.MilestoneStateSubmitted
	m.SubmittedAt = now
	m.ReviewDeadline = now + m.ReviewTimeoutSeconds
	m.ProofURI = proofURI
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneSubmitted, "agreement", agreementID, caller, events.EventPayload{
		"milestone_id": milestoneID,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// settleMilestoneTx pays out a submitted milestone; the runway must cover
// the amount and still hold the reserved recurring minimum afterwards.
func (e *Engine) settleMilestoneTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement, m *domain.Milestone, mode, actor string) error {
	f, err := e.Repo.GetFundingTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if f.RunwayBalance < m.Amount || f.RunwayBalance-m.Amount < f.ReservedRecurringMinimum {
		return ErrInsufficientRunway
	}

	f.RunwayBalance -= m.Amount
	m.State = domain.MilestoneStatePaid
	m.SettlementMode = mode
	m.PaidAt = e.nowUnix()
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, *m); err != nil {
		return err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return err
	}
	fee, workerNet, err := e.creditWorkerPayoutTx(ctx, tx, a, m.Amount, &stats)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return err
	}
	if err := e.Repo.UpdateAgreementTx(ctx, tx, *a); err != nil {
		return err
	}
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return err
	}
	if err := e.applyReputationDeltaTx(ctx, tx, a.Worker, scoreDeltaMilestone, domain.RepReasonMilestoneSettled, a.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneSettled, "agreement", a.ID, actor, events.EventPayload{
		"milestone_id": m.ID,
		"mode":         mode,
		"gross":        m.Amount,
		"fee":          fee,
		"worker_net":   workerNet,
	}); err != nil {
		return err
	}
	return e.tryCompleteTx(ctx, tx, a, &f)
}

func (e *Engine) ApproveMilestone(ctx context.Context, agreementID, milestoneID int64, caller string) (domain.Milestone, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Milestone{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if caller != a.Employer {
		return domain.Milestone{}, ErrUnauthorized
	}
	if a.Status != domain.AgreementStatusActive {
		return domain.Milestone{}, ErrInvalidState
	}

	m, err := e.Repo.GetMilestoneTx(ctx, tx, agreementID, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.State != domain.MilestoneStateSubmitted {
		return domain.Milestone{}, ErrMilestoneState
	}
	if err := e.settleMilestoneTx(ctx, tx, &a, &m, domain.SettlementModeApproved, caller); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// RejectMilestone is terminal for the milestone: there is no re-submission
// path, the amount is simply never paid out. Because completion requires
// every milestone to settle, a rejection also means the agreement can only
// end through termination. Do not add a re-open path without revisiting
// tryCompleteTx.
func (e *Engine) RejectMilestone(ctx context.Context, agreementID, milestoneID int64, caller, reasonURI string) (domain.Milestone, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Milestone{}, err
	}
	if len(reasonURI) > domain.MaxReasonURILen {
		return domain.Milestone{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if caller != a.Employer {
		return domain.Milestone{}, ErrUnauthorized
	}

	m, err := e.Repo.GetMilestoneTx(ctx, tx, agreementID, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.State != domain.MilestoneStateSubmitted {
		return domain.Milestone{}, ErrMilestoneState
	}
	if e.nowUnix() > m.ReviewDeadline {
		return domain.Milestone{}, ErrTimeoutNotReached
	}

	m.State = domain.MilestoneStateRejected
	m.ReasonURI = reasonURI
	if err := e.Repo.UpdateMilestoneTx(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MilestoneRejected, "agreement", agreementID, caller, events.EventPayload{
		"milestone_id": milestoneID,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// AutoApproveMilestone is permissionless once the review deadline has
// lapsed without an employer verdict.
func (e *Engine) AutoApproveMilestone(ctx context.Context, agreementID, milestoneID int64, caller string) (domain.Milestone, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Milestone{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if a.Status != domain.AgreementStatusActive {
		return domain.Milestone{}, ErrInvalidState
	}

	m, err := e.Repo.GetMilestoneTx(ctx, tx, agreementID, milestoneID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if m.State != domain.MilestoneStateSubmitted {
		return domain.Milestone{}, ErrMilestoneState
	}
	if e.nowUnix() <= m.ReviewDeadline {
		return domain.Milestone{}, ErrTimeoutNotReached
	}
	if err := e.settleMilestoneTx(ctx, tx, &a, &m, domain.SettlementModeAutoApproved, caller); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// RevenueSplit reports how a revenue deposit was divided.
type RevenueSplit struct {
	AgreementID   int64 `json:"agreement_id"`
	Gross         int64 `json:"gross"`
	WorkerShare   int64 `json:"worker_share"`
	EmployerShare int64 `json:"employer_share"`
	ProtocolFee   int64 `json:"protocol_fee"`
}

// DepositRevenue splits incoming revenue between worker and employer after
// the protocol fee. Anyone may deposit.
func (e *Engine) DepositRevenue(ctx context.Context, agreementID int64, caller string, gross int64) (RevenueSplit, error) {
	if err := e.requireNotPaused(); err != nil {
		return RevenueSplit{}, err
	}
	if gross <= 0 {
		return RevenueSplit{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RevenueSplit{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return RevenueSplit{}, err
	}
	if a.Status != domain.AgreementStatusActive && a.Status != domain.AgreementStatusNoticePeriod {
		return RevenueSplit{}, ErrInvalidState
	}

	fee := mulBps(gross, a.Terms.ProtocolFeeBpsSnapshot)
	netAfterFee := gross - fee
	workerShare := mulBps(netAfterFee, a.Terms.ProfitShareBps)
	employerShare := netAfterFee - workerShare

	var referral int64
	if a.Referrer != "" {
		referral = mulBps(fee, a.Terms.ReferralShareBpsSnapshot)
		if err := e.Repo.AddClaimableTx(ctx, tx, a.Referrer, referral); err != nil {
			return RevenueSplit{}, err
		}
	}
	treasury := fee - referral

	if err := e.Repo.AddClaimableTx(ctx, tx, a.Worker, workerShare); err != nil {
		return RevenueSplit{}, err
	}
	if err := e.Repo.AddClaimableTx(ctx, tx, a.Employer, employerShare); err != nil {
		return RevenueSplit{}, err
	}
	params := e.Params()
	if err := e.Repo.AddClaimableTx(ctx, tx, params.Treasury, treasury); err != nil {
		return RevenueSplit{}, err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return RevenueSplit{}, err
	}
	stats.TotalRevenueDeposited += gross
	stats.TotalProtocolFees += fee
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return RevenueSplit{}, err
	}

	if err := e.Events.Append(ctx, tx, events.RevenueDeposited, "agreement", agreementID, caller, events.EventPayload{
		"gross":          gross,
		"worker_share":   workerShare,
		"employer_share": employerShare,
		"protocol_fee":   fee,
	}); err != nil {
		return RevenueSplit{}, err
	}
	if err := tx.Commit(); err != nil {
		return RevenueSplit{}, err
	}
	return RevenueSplit{
		AgreementID:   agreementID,
		Gross:         gross,
		WorkerShare:   workerShare,
		EmployerShare: employerShare,
		ProtocolFee:   fee,
	}, nil
}

func (e *Engine) RequestTerminate(ctx context.Context, agreementID int64, caller, side string) (domain.Agreement, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Agreement{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	if a.Status != domain.AgreementStatusActive {
		return domain.Agreement{}, ErrInvalidState
	}

	var requestedBy int64
	switch side {
	case domain.OfferPartyEmployer:
		if caller != a.Employer {
			return domain.Agreement{}, ErrUnauthorized
		}
		requestedBy = domain.SideEmployer
	case domain.OfferPartyWorker:
		if caller != a.Worker {
			return domain.Agreement{}, ErrUnauthorized
		}
		requestedBy = domain.SideWorker
	default:
		return domain.Agreement{}, ErrInvalidState
	}

	params := e.Params()
	now := e.nowUnix()
	a.Status = domain.AgreementStatusNoticePeriod
	a.NoticeStartTS = now
	a.NoticeEndTS = now + params.DefaultNoticeSeconds
	a.RequestedBySide = requestedBy
	if err := e.Repo.UpdateAgreementTx(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return domain.Agreement{}, err
	}
	if stats.ActiveAgreements > 0 {
		stats.ActiveAgreements--
	}
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return domain.Agreement{}, err
	}

	if err := e.Events.Append(ctx, tx, events.TerminationRequested, "agreement", agreementID, caller, events.EventPayload{
		"requested_by_side": requestedBy,
		"notice_end_ts":     a.NoticeEndTS,
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

// FinalizeTerminate settles the bonds once the notice period lapses (or
// immediately after a default). The penalty comes out of the at-fault side's
// bond and is credited to the counterparty; the remainder of both bonds is
// refunded. The runway stays put: deposited runway is never returned to the
// employer, not even on termination. That asymmetry is deliberate, keep it.
func (e *Engine) FinalizeTerminate(ctx context.Context, agreementID int64, caller string) (domain.Agreement, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Agreement{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer tx.Rollback()

	a, err := e.requireAgreementTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}
	inDefault := a.DefaultSide != domain.SideNone
	if a.Status != domain.AgreementStatusNoticePeriod && !(a.Status == domain.AgreementStatusActive && inDefault) {
		return domain.Agreement{}, ErrInvalidState
	}
	now := e.nowUnix()
	if !inDefault && now < a.NoticeEndTS {
		return domain.Agreement{}, ErrTimeoutNotReached
	}

	f, err := e.Repo.GetFundingTx(ctx, tx, agreementID)
	if err != nil {
		return domain.Agreement{}, err
	}

	penaltySide := a.RequestedBySide
	if inDefault {
		penaltySide = a.DefaultSide
	}

	params := e.Params()
	var penalty int64
	counterparty := a.Employer
	if penaltySide == domain.SideEmployer {
		penalty = mulBps(f.EmployerBondLocked, params.TerminationPenaltyBps)
		f.EmployerBondLocked -= penalty
		counterparty = a.Worker
	} else {
		penalty = mulBps(f.WorkerBondLocked, params.TerminationPenaltyBps)
		f.WorkerBondLocked -= penalty
	}
	if penalty > 0 {
		if err := e.Repo.AddClaimableTx(ctx, tx, counterparty, penalty); err != nil {
			return domain.Agreement{}, err
		}
	}

	employerRefund := f.EmployerBondLocked
	workerRefund := f.WorkerBondLocked
	if err := e.Repo.AddClaimableTx(ctx, tx, a.Employer, employerRefund); err != nil {
		return domain.Agreement{}, err
	}
	if err := e.Repo.AddClaimableTx(ctx, tx, a.Worker, workerRefund); err != nil {
		return domain.Agreement{}, err
	}
	f.EmployerBondLocked = 0
	f.WorkerBondLocked = 0
	if err := e.Repo.UpdateFundingTx(ctx, tx, f); err != nil {
		return domain.Agreement{}, err
	}

	var reason string
	switch {
	case a.DefaultSide == domain.SideEmployer:
		reason = domain.TerminationReasonEmployerDefault
	case a.DefaultSide == domain.SideWorker:
		reason = domain.TerminationReasonWorkerDefault
	case a.RequestedBySide == domain.SideEmployer:
		reason = domain.TerminationReasonUnilateralEmployer
		if err := e.applyReputationDeltaTx(ctx, tx, a.Employer, scoreDeltaUnilateral, domain.RepReasonUnilateral, agreementID); err != nil {
			return domain.Agreement{}, err
		}
	default:
		reason = domain.TerminationReasonUnilateralWorker
		if err := e.applyReputationDeltaTx(ctx, tx, a.Worker, scoreDeltaUnilateral, domain.RepReasonUnilateral, agreementID); err != nil {
			return domain.Agreement{}, err
		}
	}

	a.Status = domain.AgreementStatusTerminated
	if err := e.Repo.UpdateAgreementTx(ctx, tx, a); err != nil {
		return domain.Agreement{}, err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return domain.Agreement{}, err
	}
	stats.TerminatedAgreements++
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return domain.Agreement{}, err
	}

	if err := e.Events.Append(ctx, tx, events.AgreementTerminated, "agreement", agreementID, caller, events.EventPayload{
		"reason":          reason,
		"penalty":         penalty,
		"employer_refund": employerRefund,
		"worker_refund":   workerRefund,
	}); err != nil {
		return domain.Agreement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

// tryCompleteTx finishes an agreement once the recurring schedule is done
// (or absent) and every milestone is paid: bonds are refunded and both
// parties earn the completion bonus.
func (e *Engine) tryCompleteTx(ctx context.Context, tx *sql.Tx, a *domain.Agreement, f *domain.FundingState) error {
	if a.Status != domain.AgreementStatusActive {
		return nil
	}
	recurringDone := a.Terms.Recurring.TotalPeriods == 0 ||
		a.Terms.Recurring.PaidPeriods >= a.Terms.Recurring.TotalPeriods
	if !recurringDone {
		return nil
	}
	if a.Terms.MilestoneCount > 0 {
		unpaid, err := e.Repo.CountUnpaidMilestonesTx(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if unpaid > 0 {
			return nil
		}
	}

	if err := e.Repo.AddClaimableTx(ctx, tx, a.Employer, f.EmployerBondLocked); err != nil {
		return err
	}
	if err := e.Repo.AddClaimableTx(ctx, tx, a.Worker, f.WorkerBondLocked); err != nil {
		return err
	}
	f.EmployerBondLocked = 0
	f.WorkerBondLocked = 0
	if err := e.Repo.UpdateFundingTx(ctx, tx, *f); err != nil {
		return err
	}

	a.Status = domain.AgreementStatusCompleted
	if err := e.Repo.UpdateAgreementTx(ctx, tx, *a); err != nil {
		return err
	}

	stats, err := e.Repo.GetProtocolStatsTx(ctx, tx)
	if err != nil {
		return err
	}
	if stats.ActiveAgreements > 0 {
		stats.ActiveAgreements--
	}
	stats.CompletedAgreements++
	if err := e.Repo.UpdateProtocolStatsTx(ctx, tx, stats); err != nil {
		return err
	}

	if err := e.applyReputationDeltaTx(ctx, tx, a.Employer, scoreDeltaCompletion, domain.RepReasonCompletion, a.ID); err != nil {
		return err
	}
	if err := e.applyReputationDeltaTx(ctx, tx, a.Worker, scoreDeltaCompletion, domain.RepReasonCompletion, a.ID); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.AgreementCompleted, "agreement", a.ID, a.Worker, nil)
}

// WithdrawClaimable zeroes the caller's claimable balance and records the
// withdrawal. Works even while the protocol is paused.
func (e *Engine) WithdrawClaimable(ctx context.Context, caller string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	amount, err := e.Repo.GetClaimableTx(ctx, tx, caller)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrNothingToWithdraw
	}
	if err := e.Repo.SetClaimableTx(ctx, tx, caller, 0); err != nil {
		return 0, err
	}
	if err := e.Repo.InsertWithdrawalTx(ctx, tx, caller, amount, e.nowUnix()); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, events.ClaimableWithdrawn, "account", 0, caller, events.EventPayload{
		"amount": amount,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return amount, nil
}

// ---- escrow reads ----

func (e *Engine) GetAgreement(ctx context.Context, id int64) (domain.Agreement, error) {
	return e.Repo.GetAgreement(ctx, id)
}

func (e *Engine) ListAgreements(ctx context.Context, account, status string, limit, offset int64) ([]domain.Agreement, error) {
	return e.Repo.ListAgreements(ctx, account, status, limit, offset)
}

func (e *Engine) GetAgreementFinancials(ctx context.Context, id int64) (domain.AgreementFinancials, error) {
	a, err := e.Repo.GetAgreement(ctx, id)
	if err != nil {
		return domain.AgreementFinancials{}, err
	}
	f, err := e.Repo.GetFunding(ctx, id)
	if err != nil {
		return domain.AgreementFinancials{}, err
	}
	fin := domain.AgreementFinancials{
		Funding:        f,
		TotalGrossPaid: a.TotalGrossPaid,
		TotalFeesPaid:  a.TotalFeesPaid,
	}
	if fin.WorkerClaimable, err = e.Repo.GetClaimable(ctx, a.Worker); err != nil {
		return domain.AgreementFinancials{}, err
	}
	if fin.EmployerClaimable, err = e.Repo.GetClaimable(ctx, a.Employer); err != nil {
		return domain.AgreementFinancials{}, err
	}
	if a.Referrer != "" {
		if fin.ReferrerClaimable, err = e.Repo.GetClaimable(ctx, a.Referrer); err != nil {
			return domain.AgreementFinancials{}, err
		}
	}
	params := e.Params()
	if fin.TreasuryClaimable, err = e.Repo.GetClaimable(ctx, params.Treasury); err != nil {
		return domain.AgreementFinancials{}, err
	}
	return fin, nil
}

func (e *Engine) GetMilestone(ctx context.Context, agreementID, milestoneID int64) (domain.Milestone, error) {
	return e.Repo.GetMilestone(ctx, agreementID, milestoneID)
}

func (e *Engine) ListMilestones(ctx context.Context, agreementID int64) ([]domain.Milestone, error) {
	return e.Repo.ListMilestones(ctx, agreementID)
}

func (e *Engine) GetClaimable(ctx context.Context, account string) (int64, error) {
	return e.Repo.GetClaimable(ctx, account)
}

func (e *Engine) ProtocolStats(ctx context.Context) (domain.ProtocolStats, error) {
	return e.Repo.GetProtocolStats(ctx)
}

func (e *Engine) ListWithdrawals(ctx context.Context, account string, limit, offset int64) ([]domain.Event, error) {
	return e.Repo.ListWithdrawals(ctx, account, limit, offset)
}
