package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hireline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// clampLimit applies the protocol-wide page cap.
func clampLimit(limit int64) int64 {
	if limit <= 0 || limit > domain.MaxPageSize {
		return domain.MaxPageSize
	}
	return limit
}

// ---- params ----

func (r Repo) SaveParamsTx(ctx context.Context, tx *sql.Tx, configJSON string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO params(id,config_json) VALUES (1,?) ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json`, configJSON)
	return err
}

func (r Repo) SaveParams(ctx context.Context, configJSON string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO params(id,config_json) VALUES (1,?) ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json`, configJSON)
	return err
}

func (r Repo) LoadParams(ctx context.Context) (string, error) {
	var configJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM params WHERE id=1`).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return configJSON, err
}

// ---- jobs ----

const jobCols = `id,employer,metadata_uri,visibility,application_deadline_ts,min_worker_score,comp_mode_mask,status,created_at,accepted_offer_id,accepted_at,application_count`

func scanJob(row *sql.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Employer, &j.MetadataURI, &j.Visibility, &j.ApplicationDeadline, &j.MinWorkerScore,
		&j.CompModeMask, &j.Status, &j.CreatedAt, &j.AcceptedOfferID, &j.AcceptedAt, &j.ApplicationCount)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(employer,metadata_uri,visibility,application_deadline_ts,min_worker_score,comp_mode_mask,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.Employer, j.MetadataURI, j.Visibility, j.ApplicationDeadline, j.MinWorkerScore, j.CompModeMask, j.Status, j.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
}

func (r Repo) UpdateJobStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetJobMatchedTx(ctx context.Context, tx *sql.Tx, id, offerID, acceptedAt int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?,accepted_offer_id=?,accepted_at=? WHERE id=?`,
		domain.JobStatusMatched, offerID, acceptedAt, id)
	return err
}

func (r Repo) IncJobApplicationsTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET application_count=application_count+1 WHERE id=?`, id)
	return err
}

func (r Repo) ListJobs(ctx context.Context, status, employer string, limit, offset int64) ([]domain.Job, error) {
	q := `SELECT ` + jobCols + ` FROM jobs WHERE 1=1`
	var args []any
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	if employer != "" {
		q += ` AND employer=?`
		args = append(args, employer)
	}
	q += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit), offset)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.Employer, &j.MetadataURI, &j.Visibility, &j.ApplicationDeadline, &j.MinWorkerScore,
			&j.CompModeMask, &j.Status, &j.CreatedAt, &j.AcceptedOfferID, &j.AcceptedAt, &j.ApplicationCount); err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ---- job invites ----

func (r Repo) InsertInviteTx(ctx context.Context, tx *sql.Tx, jobID int64, account string, createdAt int64) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_invites(job_id,account,created_at) VALUES (?,?,?)`, jobID, account, createdAt)
	return err
}

func (r Repo) IsInvitedTx(ctx context.Context, tx *sql.Tx, jobID int64, account string) (bool, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_invites WHERE job_id=? AND account=?`, jobID, account).Scan(&n)
	return n > 0, err
}

func (r Repo) CountInvitesTx(ctx context.Context, tx *sql.Tx, jobID int64) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_invites WHERE job_id=?`, jobID).Scan(&n)
	return n, err
}

func (r Repo) ListInvites(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT account FROM job_invites WHERE job_id=? ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ---- applications ----

const applicationCols = `id,job_id,applicant,application_uri,created_at`

func scanApplication(row *sql.Row) (domain.Application, error) {
	var a domain.Application
	err := row.Scan(&a.ID, &a.JobID, &a.Applicant, &a.ApplicationURI, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO applications(job_id,applicant,application_uri,created_at) VALUES (?,?,?,?)`,
		a.JobID, a.Applicant, a.ApplicationURI, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetApplication(ctx context.Context, id int64) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Application, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id))
}

func (r Repo) HasAppliedTx(ctx context.Context, tx *sql.Tx, jobID int64, applicant string) (bool, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE job_id=? AND applicant=?`, jobID, applicant).Scan(&n)
	return n > 0, err
}

func (r Repo) ListApplications(ctx context.Context, jobID, limit, offset int64) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE job_id=? ORDER BY id LIMIT ? OFFSET ?`,
		jobID, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(&a.ID, &a.JobID, &a.Applicant, &a.ApplicationURI, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ---- offer threads ----

type Thread struct {
	ApplicationID int64
	JobID         int64
	LatestOfferID int64
	CounterCount  int64
}

func (r Repo) InsertThreadTx(ctx context.Context, tx *sql.Tx, applicationID, jobID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO offer_threads(application_id,job_id,latest_offer_id,counter_count) VALUES (?,?,0,0)`,
		applicationID, jobID)
	return err
}

func (r Repo) GetThreadTx(ctx context.Context, tx *sql.Tx, applicationID int64) (Thread, error) {
	var t Thread
	err := tx.QueryRowContext(ctx, `SELECT application_id,job_id,latest_offer_id,counter_count FROM offer_threads WHERE application_id=?`, applicationID).
		Scan(&t.ApplicationID, &t.JobID, &t.LatestOfferID, &t.CounterCount)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) SetThreadLatestTx(ctx context.Context, tx *sql.Tx, applicationID, offerID int64, bumpCounter bool) error {
	q := `UPDATE offer_threads SET latest_offer_id=? WHERE application_id=?`
	if bumpCounter {
		q = `UPDATE offer_threads SET latest_offer_id=?,counter_count=counter_count+1 WHERE application_id=?`
	}
	_, err := tx.ExecContext(ctx, q, offerID, applicationID)
	return err
}

// ---- offers ----

const offerCols = `id,job_id,application_id,proposer,counterparty,party,parent_offer_id,round_index,terms_json,status,created_at`

func scanOffer(row *sql.Row) (domain.Offer, error) {
	var o domain.Offer
	var termsJSON string
	err := row.Scan(&o.ID, &o.JobID, &o.ApplicationID, &o.Proposer, &o.Counterparty, &o.Party,
		&o.ParentOfferID, &o.RoundIndex, &termsJSON, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(termsJSON), &o.Terms); err != nil {
		return o, fmt.Errorf("decode offer %d terms: %w", o.ID, err)
	}
	return o, nil
}

func (r Repo) InsertOfferTx(ctx context.Context, tx *sql.Tx, o domain.Offer) (int64, error) {
	termsJSON, err := json.Marshal(o.Terms)
	if err != nil {
		return 0, fmt.Errorf("encode offer terms: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO offers(job_id,application_id,proposer,counterparty,party,parent_offer_id,round_index,terms_json,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.JobID, o.ApplicationID, o.Proposer, o.Counterparty, o.Party, o.ParentOfferID, o.RoundIndex, string(termsJSON), o.Status, o.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetOffer(ctx context.Context, id int64) (domain.Offer, error) {
	return scanOffer(r.DB.QueryRowContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id=?`, id))
}

func (r Repo) GetOfferTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Offer, error) {
	return scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id=?`, id))
}

func (r Repo) UpdateOfferStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListOffersByApplication(ctx context.Context, applicationID, limit, offset int64) ([]domain.Offer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+offerCols+` FROM offers WHERE application_id=? ORDER BY id LIMIT ? OFFSET ?`,
		applicationID, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func (r Repo) ListOffersByJob(ctx context.Context, jobID, limit, offset int64) ([]domain.Offer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+offerCols+` FROM offers WHERE job_id=? ORDER BY id LIMIT ? OFFSET ?`,
		jobID, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOffers(rows)
}

func collectOffers(rows *sql.Rows) ([]domain.Offer, error) {
	var res []domain.Offer
	for rows.Next() {
		var o domain.Offer
		var termsJSON string
		if err := rows.Scan(&o.ID, &o.JobID, &o.ApplicationID, &o.Proposer, &o.Counterparty, &o.Party,
			&o.ParentOfferID, &o.RoundIndex, &termsJSON, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(termsJSON), &o.Terms); err != nil {
			return nil, fmt.Errorf("decode offer %d terms: %w", o.ID, err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ---- consumed offers ----

func (r Repo) IsOfferConsumedTx(ctx context.Context, tx *sql.Tx, jobID, offerID int64) (bool, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM consumed_offers WHERE job_id=? AND offer_id=?`, jobID, offerID).Scan(&n)
	return n > 0, err
}

func (r Repo) MarkOfferConsumedTx(ctx context.Context, tx *sql.Tx, jobID, offerID, agreementID, ts int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO consumed_offers(job_id,offer_id,agreement_id,consumed_at) VALUES (?,?,?,?)`,
		jobID, offerID, agreementID, ts)
	return err
}

// ---- agreements ----

const agreementCols = `id,job_id,offer_id,employer,worker,referrer,status,created_at,activated_at,notice_start_ts,notice_end_ts,requested_by_side,default_side,
recurring_amount_per_period,recurring_period_seconds,recurring_total_periods,recurring_paid_periods,recurring_next_pay_ts,
profit_share_bps,protocol_fee_bps_snapshot,referral_share_bps_snapshot,employer_bond_required,worker_bond_required,milestone_count,
total_gross_paid,total_fees_paid`

func scanAgreementFields(scan func(...any) error) (domain.Agreement, error) {
	var a domain.Agreement
	err := scan(&a.ID, &a.JobID, &a.OfferID, &a.Employer, &a.Worker, &a.Referrer, &a.Status, &a.CreatedAt,
		&a.ActivatedAt, &a.NoticeStartTS, &a.NoticeEndTS, &a.RequestedBySide, &a.DefaultSide,
		&a.Terms.Recurring.AmountPerPeriod, &a.Terms.Recurring.PeriodSeconds, &a.Terms.Recurring.TotalPeriods,
		&a.Terms.Recurring.PaidPeriods, &a.Terms.Recurring.NextPayTS,
		&a.Terms.ProfitShareBps, &a.Terms.ProtocolFeeBpsSnapshot, &a.Terms.ReferralShareBpsSnapshot,
		&a.Terms.EmployerBondRequired, &a.Terms.WorkerBondRequired, &a.Terms.MilestoneCount,
		&a.TotalGrossPaid, &a.TotalFeesPaid)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgreementTx(ctx context.Context, tx *sql.Tx, a domain.Agreement) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO agreements(job_id,offer_id,employer,worker,referrer,status,created_at,
recurring_amount_per_period,recurring_period_seconds,recurring_total_periods,recurring_paid_periods,recurring_next_pay_ts,
profit_share_bps,protocol_fee_bps_snapshot,referral_share_bps_snapshot,employer_bond_required,worker_bond_required,milestone_count)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.JobID, a.OfferID, a.Employer, a.Worker, a.Referrer, a.Status, a.CreatedAt,
		a.Terms.Recurring.AmountPerPeriod, a.Terms.Recurring.PeriodSeconds, a.Terms.Recurring.TotalPeriods,
		a.Terms.Recurring.PaidPeriods, a.Terms.Recurring.NextPayTS,
		a.Terms.ProfitShareBps, a.Terms.ProtocolFeeBpsSnapshot, a.Terms.ReferralShareBpsSnapshot,
		a.Terms.EmployerBondRequired, a.Terms.WorkerBondRequired, a.Terms.MilestoneCount)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAgreement(ctx context.Context, id int64) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreementFields(row.Scan)
}

func (r Repo) GetAgreementTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Agreement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreementFields(row.Scan)
}

// UpdateAgreementTx rewrites every mutable column from the in-memory copy.
func (r Repo) UpdateAgreementTx(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	res, err := tx.ExecContext(ctx, `UPDATE agreements SET status=?,activated_at=?,notice_start_ts=?,notice_end_ts=?,
requested_by_side=?,default_side=?,recurring_paid_periods=?,recurring_next_pay_ts=?,total_gross_paid=?,total_fees_paid=? WHERE id=?`,
		a.Status, a.ActivatedAt, a.NoticeStartTS, a.NoticeEndTS,
		a.RequestedBySide, a.DefaultSide, a.Terms.Recurring.PaidPeriods, a.Terms.Recurring.NextPayTS,
		a.TotalGrossPaid, a.TotalFeesPaid, a.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAgreements(ctx context.Context, account, status string, limit, offset int64) ([]domain.Agreement, error) {
	q := `SELECT ` + agreementCols + ` FROM agreements WHERE 1=1`
	var args []any
	if account != "" {
		q += ` AND (employer=? OR worker=?)`
		args = append(args, account, account)
	}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(limit), offset)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreementFields(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ---- funding ----

func (r Repo) InsertFundingTx(ctx context.Context, tx *sql.Tx, f domain.FundingState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO funding(agreement_id,runway_balance,employer_bond_locked,worker_bond_locked,reserved_recurring_minimum) VALUES (?,?,?,?,?)`,
		f.AgreementID, f.RunwayBalance, f.EmployerBondLocked, f.WorkerBondLocked, f.ReservedRecurringMinimum)
	return err
}

func scanFunding(row *sql.Row) (domain.FundingState, error) {
	var f domain.FundingState
	err := row.Scan(&f.AgreementID, &f.RunwayBalance, &f.EmployerBondLocked, &f.WorkerBondLocked, &f.ReservedRecurringMinimum)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) GetFunding(ctx context.Context, agreementID int64) (domain.FundingState, error) {
	return scanFunding(r.DB.QueryRowContext(ctx, `SELECT agreement_id,runway_balance,employer_bond_locked,worker_bond_locked,reserved_recurring_minimum FROM funding WHERE agreement_id=?`, agreementID))
}

func (r Repo) GetFundingTx(ctx context.Context, tx *sql.Tx, agreementID int64) (domain.FundingState, error) {
	return scanFunding(tx.QueryRowContext(ctx, `SELECT agreement_id,runway_balance,employer_bond_locked,worker_bond_locked,reserved_recurring_minimum FROM funding WHERE agreement_id=?`, agreementID))
}

func (r Repo) UpdateFundingTx(ctx context.Context, tx *sql.Tx, f domain.FundingState) error {
	res, err := tx.ExecContext(ctx, `UPDATE funding SET runway_balance=?,employer_bond_locked=?,worker_bond_locked=? WHERE agreement_id=?`,
		f.RunwayBalance, f.EmployerBondLocked, f.WorkerBondLocked, f.AgreementID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- milestones ----

const milestoneCols = `agreement_id,id,amount,due_ts,review_timeout_seconds,metadata_uri,state,submitted_at,review_deadline,proof_uri,reason_uri,settlement_mode,paid_at`

func scanMilestone(row *sql.Row) (domain.Milestone, error) {
	var m domain.Milestone
	err := row.Scan(&m.AgreementID, &m.ID, &m.Amount, &m.DueTS, &m.ReviewTimeoutSeconds, &m.MetadataURI,
		&m.State, &m.SubmittedAt, &m.ReviewDeadline, &m.ProofURI, &m.ReasonURI, &m.SettlementMode, &m.PaidAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(agreement_id,id,amount,due_ts,review_timeout_seconds,metadata_uri,state) VALUES (?,?,?,?,?,?,?)`,
		m.AgreementID, m.ID, m.Amount, m.DueTS, m.ReviewTimeoutSeconds, m.MetadataURI, m.State)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, agreementID, id int64) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE agreement_id=? AND id=?`, agreementID, id))
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, agreementID, id int64) (domain.Milestone, error) {
	return scanMilestone(tx.QueryRowContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE agreement_id=? AND id=?`, agreementID, id))
}

func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET state=?,submitted_at=?,review_deadline=?,proof_uri=?,reason_uri=?,settlement_mode=?,paid_at=? WHERE agreement_id=? AND id=?`,
		m.State, m.SubmittedAt, m.ReviewDeadline, m.ProofURI, m.ReasonURI, m.SettlementMode, m.PaidAt, m.AgreementID, m.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMilestones(ctx context.Context, agreementID int64) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneCols+` FROM milestones WHERE agreement_id=? ORDER BY id`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(&m.AgreementID, &m.ID, &m.Amount, &m.DueTS, &m.ReviewTimeoutSeconds, &m.MetadataURI,
			&m.State, &m.SubmittedAt, &m.ReviewDeadline, &m.ProofURI, &m.ReasonURI, &m.SettlementMode, &m.PaidAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountUnpaidMilestonesTx(ctx context.Context, tx *sql.Tx, agreementID int64) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM milestones WHERE agreement_id=? AND state<>?`, agreementID, domain.MilestoneStatePaid).Scan(&n)
	return n, err
}

// ---- claimables and withdrawals ----

func (r Repo) AddClaimableTx(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	if amount == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO claimables(account,balance) VALUES (?,?) ON CONFLICT(account) DO UPDATE SET balance=balance+excluded.balance`,
		account, amount)
	return err
}

func (r Repo) GetClaimable(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := r.DB.QueryRowContext(ctx, `SELECT balance FROM claimables WHERE account=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (r Repo) GetClaimableTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM claimables WHERE account=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (r Repo) SetClaimableTx(ctx context.Context, tx *sql.Tx, account string, balance int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claimables(account,balance) VALUES (?,?) ON CONFLICT(account) DO UPDATE SET balance=excluded.balance`,
		account, balance)
	return err
}

func (r Repo) InsertWithdrawalTx(ctx context.Context, tx *sql.Tx, account string, amount, ts int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(account,amount,ts) VALUES (?,?,?)`, account, amount, ts)
	return err
}

func (r Repo) ListWithdrawals(ctx context.Context, account string, limit, offset int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,amount FROM withdrawals WHERE account=? ORDER BY id LIMIT ? OFFSET ?`,
		account, clampLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var amount int64
		if err := rows.Scan(&e.ID, &e.TS, &amount); err != nil {
			return nil, err
		}
		e.Type = "claimable.withdrawn"
		e.EntityKind = "withdrawal"
		e.EntityID = e.ID
		e.Actor = account
		e.Payload = fmt.Sprintf(`{"amount":%d}`, amount)
		res = append(res, e)
	}
	return res, rows.Err()
}

// ---- reputation ----

const reputationCols = `account,score,agreements_started,agreements_completed,defaults_as_employer,defaults_as_worker,on_time_recurring_payments,milestones_settled,terminations_initiated,last_updated_ts`

func scanReputation(row *sql.Row) (domain.ReputationSnapshot, error) {
	var s domain.ReputationSnapshot
	err := row.Scan(&s.Account, &s.Score, &s.AgreementsStarted, &s.AgreementsCompleted, &s.DefaultsAsEmployer,
		&s.DefaultsAsWorker, &s.OnTimeRecurringPayments, &s.MilestonesSettled, &s.TerminationsInitiated, &s.LastUpdatedTS)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetReputation(ctx context.Context, account string) (domain.ReputationSnapshot, error) {
	return scanReputation(r.DB.QueryRowContext(ctx, `SELECT `+reputationCols+` FROM reputation WHERE account=?`, account))
}

func (r Repo) GetReputationTx(ctx context.Context, tx *sql.Tx, account string) (domain.ReputationSnapshot, error) {
	return scanReputation(tx.QueryRowContext(ctx, `SELECT `+reputationCols+` FROM reputation WHERE account=?`, account))
}

func (r Repo) UpsertReputationTx(ctx context.Context, tx *sql.Tx, s domain.ReputationSnapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reputation(`+reputationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(account) DO UPDATE SET score=excluded.score,agreements_started=excluded.agreements_started,
agreements_completed=excluded.agreements_completed,defaults_as_employer=excluded.defaults_as_employer,
defaults_as_worker=excluded.defaults_as_worker,on_time_recurring_payments=excluded.on_time_recurring_payments,
milestones_settled=excluded.milestones_settled,terminations_initiated=excluded.terminations_initiated,
last_updated_ts=excluded.last_updated_ts`,
		s.Account, s.Score, s.AgreementsStarted, s.AgreementsCompleted, s.DefaultsAsEmployer,
		s.DefaultsAsWorker, s.OnTimeRecurringPayments, s.MilestonesSettled, s.TerminationsInitiated, s.LastUpdatedTS)
	return err
}

// ---- stats ----

func (r Repo) GetBoardStats(ctx context.Context) (domain.BoardStats, error) {
	var s domain.BoardStats
	err := r.DB.QueryRowContext(ctx, `SELECT total_jobs,open_jobs,matched_jobs,total_applications,total_offers FROM board_stats WHERE id=1`).
		Scan(&s.TotalJobs, &s.OpenJobs, &s.MatchedJobs, &s.TotalApplications, &s.TotalOffers)
	return s, err
}

func (r Repo) GetBoardStatsTx(ctx context.Context, tx *sql.Tx) (domain.BoardStats, error) {
	var s domain.BoardStats
	err := tx.QueryRowContext(ctx, `SELECT total_jobs,open_jobs,matched_jobs,total_applications,total_offers FROM board_stats WHERE id=1`).
		Scan(&s.TotalJobs, &s.OpenJobs, &s.MatchedJobs, &s.TotalApplications, &s.TotalOffers)
	return s, err
}

func (r Repo) UpdateBoardStatsTx(ctx context.Context, tx *sql.Tx, s domain.BoardStats) error {
	_, err := tx.ExecContext(ctx, `UPDATE board_stats SET total_jobs=?,open_jobs=?,matched_jobs=?,total_applications=?,total_offers=? WHERE id=1`,
		s.TotalJobs, s.OpenJobs, s.MatchedJobs, s.TotalApplications, s.TotalOffers)
	return err
}

func (r Repo) GetProtocolStats(ctx context.Context) (domain.ProtocolStats, error) {
	var s domain.ProtocolStats
	err := r.DB.QueryRowContext(ctx, `SELECT total_agreements,active_agreements,completed_agreements,terminated_agreements,total_gross_payouts,total_protocol_fees,total_revenue_deposited FROM protocol_stats WHERE id=1`).
		Scan(&s.TotalAgreements, &s.ActiveAgreements, &s.CompletedAgreements, &s.TerminatedAgreements,
			&s.TotalGrossPayouts, &s.TotalProtocolFees, &s.TotalRevenueDeposited)
	return s, err
}

func (r Repo) GetProtocolStatsTx(ctx context.Context, tx *sql.Tx) (domain.ProtocolStats, error) {
	var s domain.ProtocolStats
	err := tx.QueryRowContext(ctx, `SELECT total_agreements,active_agreements,completed_agreements,terminated_agreements,total_gross_payouts,total_protocol_fees,total_revenue_deposited FROM protocol_stats WHERE id=1`).
		Scan(&s.TotalAgreements, &s.ActiveAgreements, &s.CompletedAgreements, &s.TerminatedAgreements,
			&s.TotalGrossPayouts, &s.TotalProtocolFees, &s.TotalRevenueDeposited)
	return s, err
}

func (r Repo) UpdateProtocolStatsTx(ctx context.Context, tx *sql.Tx, s domain.ProtocolStats) error {
	_, err := tx.ExecContext(ctx, `UPDATE protocol_stats SET total_agreements=?,active_agreements=?,completed_agreements=?,terminated_agreements=?,total_gross_payouts=?,total_protocol_fees=?,total_revenue_deposited=? WHERE id=1`,
		s.TotalAgreements, s.ActiveAgreements, s.CompletedAgreements, s.TerminatedAgreements,
		s.TotalGrossPayouts, s.TotalProtocolFees, s.TotalRevenueDeposited)
	return err
}

// ---- events ----

func (r Repo) ListEvents(ctx context.Context, afterID int64, limit int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`,
		afterID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
