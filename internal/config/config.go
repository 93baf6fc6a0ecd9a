package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hireline/internal/domain"
)

// Params is the owner-adjustable protocol parameter set. It is seeded from a
// YAML file (or Default) and persisted in the params table; fee snapshots on
// live agreements are frozen at activation and unaffected by later changes.
type Params struct {
	Owner    string `yaml:"owner" json:"owner"`
	Treasury string `yaml:"treasury" json:"treasury"`
	Paused   bool   `yaml:"paused" json:"paused"`

	MinUptimeScore                 int64 `yaml:"min_uptime_score" json:"min_uptime_score"`
	MaxCounteroffersPerApplication int64 `yaml:"max_counteroffers_per_application" json:"max_counteroffers_per_application"`
	MaxInvitesPerJob               int64 `yaml:"max_invites_per_job" json:"max_invites_per_job"`

	ProtocolFeeBps                int64 `yaml:"protocol_fee_bps" json:"protocol_fee_bps"`
	ReferralShareBps              int64 `yaml:"referral_share_bps" json:"referral_share_bps"`
	MinEmployerBond               int64 `yaml:"min_employer_bond" json:"min_employer_bond"`
	MinWorkerBond                 int64 `yaml:"min_worker_bond" json:"min_worker_bond"`
	MinRunwayPeriods              int64 `yaml:"min_runway_periods" json:"min_runway_periods"`
	DefaultNoticeSeconds          int64 `yaml:"default_notice_seconds" json:"default_notice_seconds"`
	TerminationPenaltyBps         int64 `yaml:"termination_penalty_bps" json:"termination_penalty_bps"`
	MilestoneReviewTimeoutSeconds int64 `yaml:"milestone_review_timeout_seconds" json:"milestone_review_timeout_seconds"`
	MaxMilestonesPerAgreement     int64 `yaml:"max_milestones_per_agreement" json:"max_milestones_per_agreement"`
	ScoreStart                    int64 `yaml:"score_start" json:"score_start"`

	Oracle   OracleConfig    `yaml:"oracle" json:"oracle"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// OracleConfig points the eligibility gate at the agent registry and uptime
// oracle. When URL is empty the static directory is used instead.
type OracleConfig struct {
	URL    string                 `yaml:"url,omitempty" json:"url,omitempty"`
	Agents map[string]StaticAgent `yaml:"agents,omitempty" json:"agents,omitempty"`
}

type StaticAgent struct {
	Name  string `yaml:"name" json:"name"`
	Score int64  `yaml:"score" json:"score"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
}

// Default returns the parameter set used when no file is imported.
func Default(owner string) *Params {
	return &Params{
		Owner:                          owner,
		Treasury:                       owner,
		MinUptimeScore:                 100,
		MaxCounteroffersPerApplication: 8,
		MaxInvitesPerJob:               64,
		ProtocolFeeBps:                 150,
		ReferralShareBps:               3_000,
		MinEmployerBond:                1_000,
		MinWorkerBond:                  500,
		MinRunwayPeriods:               2,
		DefaultNoticeSeconds:           7 * 24 * 3600,
		TerminationPenaltyBps:          500,
		MilestoneReviewTimeoutSeconds:  3 * 24 * 3600,
		MaxMilestonesPerAgreement:      domain.MaxMilestonesPerOffer,
		ScoreStart:                     500,
	}
}

// Load reads and validates a parameter file.
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Params, error) {
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Params) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate enforces the same bounds the engine's admin setters enforce.
func (p *Params) Validate() error {
	if p.Owner == "" {
		return fmt.Errorf("params.owner is required")
	}
	if p.Treasury == "" {
		return fmt.Errorf("params.treasury is required")
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps > domain.BpsDenominator {
		return fmt.Errorf("protocol_fee_bps out of range: %d", p.ProtocolFeeBps)
	}
	if p.ReferralShareBps < 0 || p.ReferralShareBps > domain.BpsDenominator {
		return fmt.Errorf("referral_share_bps out of range: %d", p.ReferralShareBps)
	}
	if p.TerminationPenaltyBps < 0 || p.TerminationPenaltyBps > domain.BpsDenominator {
		return fmt.Errorf("termination_penalty_bps out of range: %d", p.TerminationPenaltyBps)
	}
	if p.MinEmployerBond <= 0 {
		return fmt.Errorf("min_employer_bond must be positive")
	}
	if p.MinWorkerBond <= 0 {
		return fmt.Errorf("min_worker_bond must be positive")
	}
	if p.MinRunwayPeriods <= 0 {
		return fmt.Errorf("min_runway_periods must be positive")
	}
	if p.DefaultNoticeSeconds <= 0 {
		return fmt.Errorf("default_notice_seconds must be positive")
	}
	if p.MilestoneReviewTimeoutSeconds <= 0 {
		return fmt.Errorf("milestone_review_timeout_seconds must be positive")
	}
	if p.MaxMilestonesPerAgreement <= 0 {
		return fmt.Errorf("max_milestones_per_agreement must be positive")
	}
	if p.MaxCounteroffersPerApplication <= 0 {
		return fmt.Errorf("max_counteroffers_per_application must be positive")
	}
	if p.MaxInvitesPerJob <= 0 {
		return fmt.Errorf("max_invites_per_job must be positive")
	}
	if p.ScoreStart < domain.ScoreMin || p.ScoreStart > domain.ScoreMax {
		return fmt.Errorf("score_start out of range: %d", p.ScoreStart)
	}
	for i, wh := range p.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}
