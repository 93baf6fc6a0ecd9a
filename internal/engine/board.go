package engine

import (
	"context"
	"database/sql"

	"hireline/internal/domain"
	"hireline/internal/events"
	"hireline/internal/repo"
)

// JobCreateOptions are parameters for posting a job.
type JobCreateOptions struct {
	Employer            string
	MetadataURI         string
	Visibility          string
	ApplicationDeadline int64
	MinWorkerScore      int64
	CompModeMask        int64
	Invited             []string
}

func (e *Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Job{}, err
	}
	params := e.Params()
	if err := e.requireEligibleAgent(ctx, opts.Employer, params.MinUptimeScore); err != nil {
		return domain.Job{}, err
	}
	if opts.MetadataURI == "" || len(opts.MetadataURI) > domain.MaxMetadataURILen {
		return domain.Job{}, ErrInvalidAmount
	}
	now := e.nowUnix()
	if opts.ApplicationDeadline <= now {
		return domain.Job{}, ErrInvalidDeadline
	}
	if int64(len(opts.Invited)) > params.MaxInvitesPerJob {
		return domain.Job{}, ErrInvalidAmount
	}
	switch opts.Visibility {
	case domain.JobVisibilityPublic:
		if len(opts.Invited) > 0 {
			return domain.Job{}, ErrInvalidState
		}
	case domain.JobVisibilityInviteOnly:
	default:
		return domain.Job{}, ErrInvalidState
	}
	// Mask bits: recurring pay, milestones, revenue share.
	if opts.CompModeMask <= 0 || opts.CompModeMask > 0b111 {
		return domain.Job{}, ErrInvalidState
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job := domain.Job{
		Employer:            opts.Employer,
		MetadataURI:         opts.MetadataURI,
		Visibility:          opts.Visibility,
		ApplicationDeadline: opts.ApplicationDeadline,
		MinWorkerScore:      opts.MinWorkerScore,
		CompModeMask:        opts.CompModeMask,
		Status:              domain.JobStatusOpen,
		CreatedAt:           now,
	}
	job.ID, err = e.Repo.InsertJobTx(ctx, tx, job)
	if err != nil {
		return domain.Job{}, err
	}

	if opts.Visibility == domain.JobVisibilityInviteOnly {
		for _, account := range opts.Invited {
			if err := e.Repo.InsertInviteTx(ctx, tx, job.ID, account, now); err != nil {
				return domain.Job{}, err
			}
		}
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return domain.Job{}, err
	}
	stats.TotalJobs++
	stats.OpenJobs++
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return domain.Job{}, err
	}

	if err := e.Events.Append(ctx, tx, events.JobCreated, "job", job.ID, opts.Employer, events.EventPayload{
		"visibility": job.Visibility,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (e *Engine) Apply(ctx context.Context, jobID int64, applicant, applicationURI string) (domain.Application, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Application{}, err
	}
	if applicationURI == "" || len(applicationURI) > domain.MaxApplicationURILen {
		return domain.Application{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Application{}, err
	}
	if job.Status != domain.JobStatusOpen && job.Status != domain.JobStatusInNegotiation {
		return domain.Application{}, ErrInvalidState
	}
	now := e.nowUnix()
	if now > job.ApplicationDeadline {
		return domain.Application{}, ErrInvalidDeadline
	}

	params := e.Params()
	required := maxi64(job.MinWorkerScore, params.MinUptimeScore)
	if err := e.requireEligibleAgent(ctx, applicant, required); err != nil {
		return domain.Application{}, err
	}

	if job.Visibility == domain.JobVisibilityInviteOnly {
		invited, err := e.Repo.IsInvitedTx(ctx, tx, jobID, applicant)
		if err != nil {
			return domain.Application{}, err
		}
		if !invited {
			return domain.Application{}, ErrNotInvited
		}
	}

	applied, err := e.Repo.HasAppliedTx(ctx, tx, jobID, applicant)
	if err != nil {
		return domain.Application{}, err
	}
	if applied {
		return domain.Application{}, ErrAlreadyApplied
	}

	app := domain.Application{
		JobID:          jobID,
		Applicant:      applicant,
		ApplicationURI: applicationURI,
		CreatedAt:      now,
	}
	app.ID, err = e.Repo.InsertApplicationTx(ctx, tx, app)
	if err != nil {
		return domain.Application{}, err
	}
	if err := e.Repo.InsertThreadTx(ctx, tx, app.ID, jobID); err != nil {
		return domain.Application{}, err
	}
	if err := e.Repo.IncJobApplicationsTx(ctx, tx, jobID); err != nil {
		return domain.Application{}, err
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return domain.Application{}, err
	}
	stats.TotalApplications++
	if job.Status == domain.JobStatusOpen {
		if err := e.Repo.UpdateJobStatusTx(ctx, tx, jobID, domain.JobStatusInNegotiation); err != nil {
			return domain.Application{}, err
		}
		if stats.OpenJobs > 0 {
			stats.OpenJobs--
		}
	}
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return domain.Application{}, err
	}

	if err := e.Events.Append(ctx, tx, events.ApplicationSubmitted, "job", jobID, applicant, events.EventPayload{
		"application_id": app.ID,
	}); err != nil {
		return domain.Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

func (e *Engine) validateOfferTerms(terms domain.OfferTerms, maxMilestones int64) error {
	if terms.ProfitShareBps < 0 || terms.ProfitShareBps > domain.BpsDenominator {
		return ErrInvalidBps
	}
	if len(terms.TermsURI) > domain.MaxTermsURILen {
		return ErrInvalidAmount
	}
	if int64(len(terms.Milestones)) > mini64(domain.MaxMilestonesPerOffer, maxMilestones) {
		return ErrInvalidAmount
	}
	if terms.Recurring.AmountPerPeriod > 0 {
		if terms.Recurring.PeriodSeconds <= 0 || terms.Recurring.TotalPeriods <= 0 {
			return ErrInvalidAmount
		}
	} else if terms.Recurring.TotalPeriods != 0 || terms.Recurring.AmountPerPeriod < 0 {
		return ErrInvalidAmount
	}
	if terms.EmployerBondRequired < 0 || terms.WorkerBondRequired < 0 {
		return ErrInvalidAmount
	}
	seen := make(map[int64]bool, len(terms.Milestones))
	for _, m := range terms.Milestones {
		if m.ID <= 0 || seen[m.ID] {
			return ErrInvalidAmount
		}
		seen[m.ID] = true
		if m.Amount <= 0 {
			return ErrInvalidAmount
		}
		if m.ReviewTimeoutSeconds <= 0 {
			return ErrInvalidAmount
		}
		if len(m.MetadataURI) > domain.MaxMetadataURILen {
			return ErrInvalidAmount
		}
	}
	return nil
}

// requireNoLiveLatestOffer blocks a fresh root offer while the thread's
// latest offer is still negotiable.
func (e *Engine) requireNoLiveLatestOffer(ctx context.Context, tx *sql.Tx, applicationID int64) error {
	thread, err := e.Repo.GetThreadTx(ctx, tx, applicationID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if thread.LatestOfferID == 0 {
		return nil
	}
	latest, err := e.Repo.GetOfferTx(ctx, tx, thread.LatestOfferID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.Status == domain.OfferStatusProposed || latest.Status == domain.OfferStatusCountered {
		return ErrStaleOffer
	}
	return nil
}

func (e *Engine) ProposeOffer(ctx context.Context, jobID, applicationID int64, proposer string, terms domain.OfferTerms) (domain.Offer, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Offer{}, err
	}
	params := e.Params()
	if err := e.validateOfferTerms(terms, params.MaxMilestonesPerAgreement); err != nil {
		return domain.Offer{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Offer{}, err
	}
	app, err := e.Repo.GetApplicationTx(ctx, tx, applicationID)
	if err != nil {
		return domain.Offer{}, err
	}
	if app.JobID != jobID {
		return domain.Offer{}, ErrInvalidState
	}
	switch job.Status {
	case domain.JobStatusMatched, domain.JobStatusClosed, domain.JobStatusExpired:
		return domain.Offer{}, ErrInvalidState
	}
	if proposer != job.Employer && proposer != app.Applicant {
		return domain.Offer{}, ErrUnauthorized
	}
	if err := e.requireNoLiveLatestOffer(ctx, tx, applicationID); err != nil {
		return domain.Offer{}, err
	}

	party := domain.OfferPartyWorker
	counterparty := job.Employer
	if proposer == job.Employer {
		party = domain.OfferPartyEmployer
		counterparty = app.Applicant
	}

	offer := domain.Offer{
		JobID:         jobID,
		ApplicationID: applicationID,
		Proposer:      proposer,
		Counterparty:  counterparty,
		Party:         party,
		Terms:         terms,
		Status:        domain.OfferStatusProposed,
		CreatedAt:     e.nowUnix(),
	}
	offer.ID, err = e.Repo.InsertOfferTx(ctx, tx, offer)
	if err != nil {
		return domain.Offer{}, err
	}
	if err := e.Repo.SetThreadLatestTx(ctx, tx, applicationID, offer.ID, false); err != nil {
		return domain.Offer{}, err
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return domain.Offer{}, err
	}
	stats.TotalOffers++
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return domain.Offer{}, err
	}

	if err := e.Events.Append(ctx, tx, events.OfferProposed, "job", jobID, proposer, events.EventPayload{
		"offer_id":        offer.ID,
		"application_id":  applicationID,
		"parent_offer_id": int64(0),
	}); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return offer, nil
}

func (e *Engine) CounterOffer(ctx context.Context, jobID, offerID int64, caller string, terms domain.OfferTerms) (domain.Offer, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Offer{}, err
	}
	params := e.Params()
	if err := e.validateOfferTerms(terms, params.MaxMilestonesPerAgreement); err != nil {
		return domain.Offer{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()

	prev, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	if prev.JobID != jobID {
		return domain.Offer{}, ErrInvalidState
	}
	if prev.Status != domain.OfferStatusProposed && prev.Status != domain.OfferStatusCountered {
		return domain.Offer{}, ErrInvalidState
	}
	if caller != prev.Counterparty {
		return domain.Offer{}, ErrUnauthorized
	}

	thread, err := e.Repo.GetThreadTx(ctx, tx, prev.ApplicationID)
	if err != nil {
		return domain.Offer{}, err
	}
	if thread.LatestOfferID != offerID {
		return domain.Offer{}, ErrStaleOffer
	}
	if thread.CounterCount >= params.MaxCounteroffersPerApplication {
		return domain.Offer{}, ErrCounterLimit
	}

	if err := e.Repo.UpdateOfferStatusTx(ctx, tx, offerID, domain.OfferStatusCountered); err != nil {
		return domain.Offer{}, err
	}

	party := prev.Party
	if caller == prev.Counterparty {
		if prev.Party == domain.OfferPartyEmployer {
			party = domain.OfferPartyWorker
		} else {
			party = domain.OfferPartyEmployer
		}
	}

	next := domain.Offer{
		JobID:         jobID,
		ApplicationID: prev.ApplicationID,
		Proposer:      caller,
		Counterparty:  prev.Proposer,
		Party:         party,
		ParentOfferID: offerID,
		RoundIndex:    prev.RoundIndex + 1,
		Terms:         terms,
		Status:        domain.OfferStatusProposed,
		CreatedAt:     e.nowUnix(),
	}
	next.ID, err = e.Repo.InsertOfferTx(ctx, tx, next)
	if err != nil {
		return domain.Offer{}, err
	}
	if err := e.Repo.SetThreadLatestTx(ctx, tx, prev.ApplicationID, next.ID, true); err != nil {
		return domain.Offer{}, err
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return domain.Offer{}, err
	}
	stats.TotalOffers++
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return domain.Offer{}, err
	}

	if err := e.Events.Append(ctx, tx, events.OfferProposed, "job", jobID, caller, events.EventPayload{
		"offer_id":        next.ID,
		"application_id":  next.ApplicationID,
		"parent_offer_id": offerID,
	}); err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return next, nil
}

// closeOffer handles reject and withdraw, which share the live-latest check
// and differ only in who may act and the terminal status.
func (e *Engine) closeOffer(ctx context.Context, jobID, offerID int64, caller, status, evtType string, byProposer bool) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	offer, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return err
	}
	if offer.JobID != jobID {
		return ErrInvalidState
	}
	if offer.Status != domain.OfferStatusProposed && offer.Status != domain.OfferStatusCountered {
		return ErrInvalidState
	}

	thread, err := e.Repo.GetThreadTx(ctx, tx, offer.ApplicationID)
	if err != nil {
		return err
	}
	if thread.LatestOfferID != offerID {
		return ErrStaleOffer
	}

	allowed := offer.Counterparty
	if byProposer {
		allowed = offer.Proposer
	}
	if caller != allowed {
		return ErrUnauthorized
	}

	if err := e.Repo.UpdateOfferStatusTx(ctx, tx, offerID, status); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "job", jobID, caller, events.EventPayload{
		"offer_id": offerID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) RejectOffer(ctx context.Context, jobID, offerID int64, caller string) error {
	return e.closeOffer(ctx, jobID, offerID, caller, domain.OfferStatusRejected, events.OfferRejected, false)
}

func (e *Engine) WithdrawOffer(ctx context.Context, jobID, offerID int64, caller string) error {
	return e.closeOffer(ctx, jobID, offerID, caller, domain.OfferStatusWithdrawn, events.OfferWithdrawn, true)
}

func (e *Engine) AcceptOffer(ctx context.Context, jobID, offerID int64, caller string) (domain.Job, error) {
	if err := e.requireNotPaused(); err != nil {
		return domain.Job{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobStatusMatched {
		return domain.Job{}, ErrAlreadyMatched
	}

	offer, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return domain.Job{}, err
	}
	if offer.JobID != jobID {
		return domain.Job{}, ErrInvalidState
	}
	if offer.Status != domain.OfferStatusProposed && offer.Status != domain.OfferStatusCountered {
		return domain.Job{}, ErrInvalidState
	}

	thread, err := e.Repo.GetThreadTx(ctx, tx, offer.ApplicationID)
	if err != nil {
		return domain.Job{}, err
	}
	if thread.LatestOfferID != offerID {
		return domain.Job{}, ErrStaleOffer
	}
	if caller != offer.Counterparty {
		return domain.Job{}, ErrUnauthorized
	}

	now := e.nowUnix()
	if err := e.Repo.UpdateOfferStatusTx(ctx, tx, offerID, domain.OfferStatusAccepted); err != nil {
		return domain.Job{}, err
	}
	if err := e.Repo.SetJobMatchedTx(ctx, tx, jobID, offerID, now); err != nil {
		return domain.Job{}, err
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return domain.Job{}, err
	}
	stats.MatchedJobs++
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return domain.Job{}, err
	}

	if err := e.Events.Append(ctx, tx, events.OfferAccepted, "job", jobID, caller, events.EventPayload{
		"offer_id": offerID,
	}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatusMatched
	job.AcceptedOfferID = offerID
	job.AcceptedAt = now
	return job, nil
}

func (e *Engine) CancelJob(ctx context.Context, jobID int64, caller string) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if caller != job.Employer {
		return ErrUnauthorized
	}
	if job.Status == domain.JobStatusMatched && job.AcceptedOfferID != 0 {
		return ErrAlreadyMatched
	}
	if job.Status == domain.JobStatusClosed || job.Status == domain.JobStatusExpired {
		return ErrInvalidState
	}

	stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusOpen && stats.OpenJobs > 0 {
		stats.OpenJobs--
	}
	if job.Status == domain.JobStatusMatched && stats.MatchedJobs > 0 {
		stats.MatchedJobs--
	}
	if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
		return err
	}
	if err := e.Repo.UpdateJobStatusTx(ctx, tx, jobID, domain.JobStatusClosed); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.JobClosed, "job", jobID, caller, events.EventPayload{
		"reason": domain.JobCloseReasonCancelled,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ExpireJob is permissionless: anyone may flip a job past its application
// deadline to Expired.
func (e *Engine) ExpireJob(ctx context.Context, jobID int64, caller string) error {
	if err := e.requireNotPaused(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusOpen && job.Status != domain.JobStatusInNegotiation {
		return ErrInvalidState
	}
	if e.nowUnix() <= job.ApplicationDeadline {
		return ErrInvalidDeadline
	}

	if job.Status == domain.JobStatusOpen {
		stats, err := e.Repo.GetBoardStatsTx(ctx, tx)
		if err != nil {
			return err
		}
		if stats.OpenJobs > 0 {
			stats.OpenJobs--
		}
		if err := e.Repo.UpdateBoardStatsTx(ctx, tx, stats); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateJobStatusTx(ctx, tx, jobID, domain.JobStatusExpired); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.JobClosed, "job", jobID, caller, events.EventPayload{
		"reason": domain.JobCloseReasonExpired,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- board reads ----

func (e *Engine) GetJob(ctx context.Context, jobID int64) (domain.Job, error) {
	return e.Repo.GetJob(ctx, jobID)
}

func (e *Engine) ListJobs(ctx context.Context, status, employer string, limit, offset int64) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, status, employer, limit, offset)
}

func (e *Engine) GetApplication(ctx context.Context, id int64) (domain.Application, error) {
	return e.Repo.GetApplication(ctx, id)
}

func (e *Engine) ListApplications(ctx context.Context, jobID, limit, offset int64) ([]domain.Application, error) {
	return e.Repo.ListApplications(ctx, jobID, limit, offset)
}

func (e *Engine) GetOffer(ctx context.Context, id int64) (domain.Offer, error) {
	return e.Repo.GetOffer(ctx, id)
}

func (e *Engine) ListOffers(ctx context.Context, jobID, applicationID, limit, offset int64) ([]domain.Offer, error) {
	if applicationID != 0 {
		return e.Repo.ListOffersByApplication(ctx, applicationID, limit, offset)
	}
	return e.Repo.ListOffersByJob(ctx, jobID, limit, offset)
}

// GetAcceptedOffer is the read the escrow consumes when an agreement is
// activated.
func (e *Engine) GetAcceptedOffer(ctx context.Context, jobID int64) (domain.AcceptedOfferSummary, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.AcceptedOfferSummary{}, err
	}
	if job.AcceptedOfferID == 0 {
		return domain.AcceptedOfferSummary{}, ErrOfferNotAccepted
	}
	offer, err := e.Repo.GetOffer(ctx, job.AcceptedOfferID)
	if err != nil {
		return domain.AcceptedOfferSummary{}, err
	}
	app, err := e.Repo.GetApplication(ctx, offer.ApplicationID)
	if err != nil {
		return domain.AcceptedOfferSummary{}, err
	}
	return domain.AcceptedOfferSummary{
		JobID:      jobID,
		OfferID:    offer.ID,
		Employer:   job.Employer,
		Worker:     app.Applicant,
		Terms:      offer.Terms,
		AcceptedAt: job.AcceptedAt,
	}, nil
}

// IsInviteAllowed reports whether an account could apply to a job as far as
// visibility is concerned.
func (e *Engine) IsInviteAllowed(ctx context.Context, jobID int64, account string) (bool, error) {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err == repo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Visibility == domain.JobVisibilityPublic {
		return true, nil
	}
	invites, err := e.Repo.ListInvites(ctx, jobID)
	if err != nil {
		return false, err
	}
	for _, a := range invites {
		if a == account {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) ListInvites(ctx context.Context, jobID int64) ([]string, error) {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return e.Repo.ListInvites(ctx, jobID)
}

func (e *Engine) BoardStats(ctx context.Context) (domain.BoardStats, error) {
	return e.Repo.GetBoardStats(ctx)
}

func (e *Engine) ListEvents(ctx context.Context, afterID, limit int64) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, afterID, limit)
}
