package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hireline/internal/config"
	"hireline/internal/domain"
	"hireline/internal/events"
	"hireline/internal/oracle"
	"hireline/internal/repo"
)

// Sentinel errors. The server maps these onto HTTP statuses; their messages
// are part of the API surface.
var (
	ErrPaused             = errors.New("protocol is paused")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrNotRegistered      = errors.New("agent not registered")
	ErrLowUptime          = errors.New("uptime score below minimum")
	ErrInvalidBps         = errors.New("bps value out of range")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDeadline    = errors.New("invalid deadline")
	ErrNotInvited         = errors.New("not invited")
	ErrAlreadyApplied     = errors.New("already applied")
	ErrCounterLimit       = errors.New("counter-offer limit reached")
	ErrStaleOffer         = errors.New("offer is not the latest in its thread")
	ErrAlreadyMatched     = errors.New("job already matched")
	ErrOfferNotAccepted   = errors.New("offer not accepted")
	ErrOfferConsumed      = errors.New("offer already consumed")
	ErrInsufficientRunway = errors.New("insufficient runway")
	ErrMilestoneState     = errors.New("milestone not in expected state")
	ErrTimeoutNotReached  = errors.New("timeout not reached")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
)

// Reputation deltas applied by settlement and termination paths.
const (
	scoreDeltaRecurring       = 5
	scoreDeltaMilestone       = 3
	scoreDeltaEmployerDefault = -60
	scoreDeltaUnilateral      = -20
	scoreDeltaCompletion      = 25
)

// Engine runs every protocol operation as a single SQLite transaction: the
// state change and its events commit together or not at all.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Oracle oracle.Directory
	Now    func() time.Time

	mu     sync.RWMutex
	params *config.Params
}

func New(db *sql.DB, params *config.Params, dir oracle.Directory) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Oracle: dir,
		Now:    time.Now,
		params: params,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowUnix() int64 {
	return e.now().UTC().Unix()
}

// Params returns a copy of the live parameter set.
func (e *Engine) Params() config.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.params
}

func (e *Engine) requireNotPaused() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.params.Paused {
		return ErrPaused
	}
	return nil
}

func (e *Engine) requireOwner(actor string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if actor != e.params.Owner {
		return ErrUnauthorized
	}
	return nil
}

// requireEligibleAgent checks registration and uptime against the directory.
// Lookups fail closed; an unreachable oracle disqualifies the account.
func (e *Engine) requireEligibleAgent(ctx context.Context, account string, minScore int64) error {
	name, err := e.Oracle.AgentName(ctx, account)
	if err != nil || name == "" {
		return fmt.Errorf("%w: %s", ErrNotRegistered, account)
	}
	info, err := e.Oracle.LifetimeInfo(ctx, account)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, account)
	}
	if info.Score < minScore {
		return fmt.Errorf("%w: %s has %d, need %d", ErrLowUptime, account, info.Score, minScore)
	}
	return nil
}

func mulBps(amount, bps int64) int64 {
	return amount * bps / domain.BpsDenominator
}

func maxi64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func mini64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ---- reputation ----

func (e *Engine) loadReputationTx(ctx context.Context, tx *sql.Tx, account string) (domain.ReputationSnapshot, bool, error) {
	rep, err := e.Repo.GetReputationTx(ctx, tx, account)
	if err == repo.ErrNotFound {
		e.mu.RLock()
		start := e.params.ScoreStart
		e.mu.RUnlock()
		return domain.ReputationSnapshot{Account: account, Score: start}, false, nil
	}
	if err != nil {
		return domain.ReputationSnapshot{}, false, err
	}
	return rep, true, nil
}

// ensureReputationInitializedTx bootstraps a snapshot at the start score and
// bumps agreements_started for both parties of a new agreement.
func (e *Engine) ensureReputationInitializedTx(ctx context.Context, tx *sql.Tx, account string, agreementID int64) error {
	rep, existed, err := e.loadReputationTx(ctx, tx, account)
	if err != nil {
		return err
	}
	if !existed {
		if err := e.Events.Append(ctx, tx, events.ReputationChanged, "agreement", agreementID, account, events.EventPayload{
			"previous_score": rep.Score,
			"new_score":      rep.Score,
			"reason":         domain.RepReasonInit,
		}); err != nil {
			return err
		}
	}
	rep.AgreementsStarted++
	rep.LastUpdatedTS = e.nowUnix()
	return e.Repo.UpsertReputationTx(ctx, tx, rep)
}

// applyReputationDeltaTx moves the score, saturating at the [0, ScoreMax]
// bounds, and bumps the counter matching the reason.
func (e *Engine) applyReputationDeltaTx(ctx context.Context, tx *sql.Tx, account string, delta int64, reason string, agreementID int64) error {
	rep, _, err := e.loadReputationTx(ctx, tx, account)
	if err != nil {
		return err
	}
	prev := rep.Score
	rep.Score += delta
	if rep.Score > domain.ScoreMax {
		rep.Score = domain.ScoreMax
	}
	if rep.Score < domain.ScoreMin {
		rep.Score = domain.ScoreMin
	}

	switch reason {
	case domain.RepReasonOnTimeRecurring:
		rep.OnTimeRecurringPayments++
	case domain.RepReasonMilestoneSettled:
		rep.MilestonesSettled++
	case domain.RepReasonEmployerDefault:
		rep.DefaultsAsEmployer++
	case domain.RepReasonWorkerDefault:
		rep.DefaultsAsWorker++
	case domain.RepReasonUnilateral:
		rep.TerminationsInitiated++
	case domain.RepReasonCompletion:
		rep.AgreementsCompleted++
	}

	rep.LastUpdatedTS = e.nowUnix()
	if err := e.Repo.UpsertReputationTx(ctx, tx, rep); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.ReputationChanged, "agreement", agreementID, account, events.EventPayload{
		"previous_score": prev,
		"new_score":      rep.Score,
		"reason":         reason,
	})
}

// GetReputation returns the stored snapshot, or a fresh one at the start
// score for accounts never seen by the escrow.
func (e *Engine) GetReputation(ctx context.Context, account string) (domain.ReputationSnapshot, error) {
	rep, err := e.Repo.GetReputation(ctx, account)
	if err == repo.ErrNotFound {
		e.mu.RLock()
		start := e.params.ScoreStart
		e.mu.RUnlock()
		return domain.ReputationSnapshot{Account: account, Score: start}, nil
	}
	return rep, err
}

// ---- admin ----

// updateParams runs an owner-gated parameter change: mutate a copy, validate,
// persist, swap in memory, and log the change.
func (e *Engine) updateParams(ctx context.Context, actor string, mutate func(*config.Params) error) (config.Params, error) {
	if err := e.requireOwner(actor); err != nil {
		return config.Params{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := *e.params
	if err := mutate(&next); err != nil {
		return config.Params{}, err
	}
	if err := next.Validate(); err != nil {
		return config.Params{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return config.Params{}, err
	}
	defer tx.Rollback()

	data, err := next.ToYAML()
	if err != nil {
		return config.Params{}, err
	}
	if err := e.Repo.SaveParamsTx(ctx, tx, string(data)); err != nil {
		return config.Params{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ParamsChanged, "params", 0, actor, nil); err != nil {
		return config.Params{}, err
	}
	if err := tx.Commit(); err != nil {
		return config.Params{}, err
	}
	e.params = &next
	return next, nil
}

func (e *Engine) SetPaused(ctx context.Context, actor string, paused bool) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		p.Paused = paused
		return nil
	})
}

func (e *Engine) SetOwner(ctx context.Context, actor, newOwner string) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if newOwner == "" {
			return ErrInvalidAmount
		}
		p.Owner = newOwner
		return nil
	})
}

func (e *Engine) SetTreasury(ctx context.Context, actor, treasury string) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if treasury == "" {
			return ErrInvalidAmount
		}
		p.Treasury = treasury
		return nil
	})
}

func (e *Engine) SetProtocolFeeBps(ctx context.Context, actor string, value int64) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if value < 0 || value > domain.BpsDenominator {
			return ErrInvalidBps
		}
		p.ProtocolFeeBps = value
		return nil
	})
}

func (e *Engine) SetReferralShareBps(ctx context.Context, actor string, value int64) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if value < 0 || value > domain.BpsDenominator {
			return ErrInvalidBps
		}
		p.ReferralShareBps = value
		return nil
	})
}

func (e *Engine) SetMinUptimeScore(ctx context.Context, actor string, value int64) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		p.MinUptimeScore = value
		return nil
	})
}

func (e *Engine) SetMaxCounteroffersPerApplication(ctx context.Context, actor string, value int64) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if value <= 0 {
			return ErrInvalidAmount
		}
		p.MaxCounteroffersPerApplication = value
		return nil
	})
}

func (e *Engine) SetMaxInvitesPerJob(ctx context.Context, actor string, value int64) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		if value <= 0 {
			return ErrInvalidAmount
		}
		p.MaxInvitesPerJob = value
		return nil
	})
}

// RiskParams is the batch of escrow safety knobs changed together.
type RiskParams struct {
	MinEmployerBond               int64 `json:"min_employer_bond"`
	MinWorkerBond                 int64 `json:"min_worker_bond"`
	MinRunwayPeriods              int64 `json:"min_runway_periods"`
	DefaultNoticeSeconds          int64 `json:"default_notice_seconds"`
	TerminationPenaltyBps         int64 `json:"termination_penalty_bps"`
	MilestoneReviewTimeoutSeconds int64 `json:"milestone_review_timeout_seconds"`
	MaxMilestonesPerAgreement     int64 `json:"max_milestones_per_agreement"`
	ScoreStart                    int64 `json:"score_start"`
}

func (e *Engine) SetRiskParams(ctx context.Context, actor string, rp RiskParams) (config.Params, error) {
	return e.updateParams(ctx, actor, func(p *config.Params) error {
		p.MinEmployerBond = rp.MinEmployerBond
		p.MinWorkerBond = rp.MinWorkerBond
		p.MinRunwayPeriods = rp.MinRunwayPeriods
		p.DefaultNoticeSeconds = rp.DefaultNoticeSeconds
		p.TerminationPenaltyBps = rp.TerminationPenaltyBps
		p.MilestoneReviewTimeoutSeconds = rp.MilestoneReviewTimeoutSeconds
		p.MaxMilestonesPerAgreement = rp.MaxMilestonesPerAgreement
		p.ScoreStart = rp.ScoreStart
		return nil
	})
}

// LoadParams restores the persisted parameter set, falling back to the given
// defaults when the database has none yet (first boot).
func LoadParams(ctx context.Context, db *sql.DB, fallback *config.Params) (*config.Params, error) {
	r := repo.Repo{DB: db}
	raw, err := r.LoadParams(ctx)
	if err == repo.ErrNotFound {
		data, err := fallback.ToYAML()
		if err != nil {
			return nil, err
		}
		if err := r.SaveParams(ctx, string(data)); err != nil {
			return nil, err
		}
		return fallback, nil
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}
