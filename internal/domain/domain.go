package domain

// Shared bounds for the marketplace. All percentages are basis points out of
// BpsDenominator; all value amounts are integer units of the native value unit.
const (
	BpsDenominator = 10_000
	ScoreMin       = 0
	ScoreMax       = 1_000

	MaxPageSize           = 100
	MaxMetadataURILen     = 512
	MaxTermsURILen        = 512
	MaxReasonURILen       = 512
	MaxProofURILen        = 512
	MaxApplicationURILen  = 512
	MaxMilestonesPerOffer = 32
)

const (
	JobVisibilityPublic     = "public"
	JobVisibilityInviteOnly = "invite_only"
)

const (
	JobStatusOpen          = "open"
	JobStatusInNegotiation = "in_negotiation"
	JobStatusMatched       = "matched"
	JobStatusClosed        = "closed"
	JobStatusExpired       = "expired"
)

const (
	OfferStatusProposed  = "proposed"
	OfferStatusCountered = "countered"
	OfferStatusAccepted  = "accepted"
	OfferStatusRejected  = "rejected"
	OfferStatusWithdrawn = "withdrawn"
)

const (
	OfferPartyEmployer = "employer"
	OfferPartyWorker   = "worker"
)

const (
	AgreementStatusPendingFunding = "pending_funding"
	AgreementStatusActive         = "active"
	AgreementStatusNoticePeriod   = "notice_period"
	AgreementStatusTerminated     = "terminated"
	AgreementStatusCompleted      = "completed"
)

const (
	MilestoneStateOpen      = "open"
	MilestoneStateSubmitted = "submitted"
	MilestoneStateRejected  = "rejected"
	MilestoneStatePaid      = "paid"
)

const (
	SettlementModeApproved     = "approved"
	SettlementModeAutoApproved = "auto_approved"
)

// Side encodes which party of an agreement an action is attributed to.
const (
	SideNone     = 0
	SideEmployer = 1
	SideWorker   = 2
)

const (
	TerminationReasonUnilateralEmployer = "unilateral_employer"
	TerminationReasonUnilateralWorker   = "unilateral_worker"
	TerminationReasonEmployerDefault    = "employer_default"
	TerminationReasonWorkerDefault      = "worker_default"
)

const (
	JobCloseReasonCancelled = "cancelled"
	JobCloseReasonExpired   = "expired"
)

// Reputation reason codes, one per economically significant event.
const (
	RepReasonInit             = "init"
	RepReasonOnTimeRecurring  = "on_time_recurring_payment"
	RepReasonEmployerDefault  = "employer_default"
	RepReasonWorkerDefault    = "worker_default"
	RepReasonMilestoneSettled = "milestone_settled"
	RepReasonUnilateral       = "unilateral_terminate"
	RepReasonCompletion       = "completion"
)

type Job struct {
	ID                  int64  `json:"id"`
	Employer            string `json:"employer"`
	MetadataURI         string `json:"metadata_uri"`
	Visibility          string `json:"visibility" enum:"public,invite_only"`
	ApplicationDeadline int64  `json:"application_deadline_ts"`
	MinWorkerScore      int64  `json:"min_worker_score"`
	CompModeMask        int64  `json:"comp_mode_mask"`
	Status              string `json:"status" enum:"open,in_negotiation,matched,closed,expired"`
	CreatedAt           int64  `json:"created_at"`
	AcceptedOfferID     int64  `json:"accepted_offer_id"`
	AcceptedAt          int64  `json:"accepted_at,omitempty"`
	ApplicationCount    int64  `json:"application_count"`
}

type Application struct {
	ID             int64  `json:"id"`
	JobID          int64  `json:"job_id"`
	Applicant      string `json:"applicant"`
	ApplicationURI string `json:"application_uri"`
	CreatedAt      int64  `json:"created_at"`
}

type MilestoneSpec struct {
	ID                   int64  `json:"id"`
	Amount               int64  `json:"amount"`
	DueTS                int64  `json:"due_ts"`
	ReviewTimeoutSeconds int64  `json:"review_timeout_seconds"`
	MetadataURI          string `json:"metadata_uri,omitempty"`
}

type RecurringTerms struct {
	AmountPerPeriod int64 `json:"amount_per_period"`
	PeriodSeconds   int64 `json:"period_seconds"`
	TotalPeriods    int64 `json:"total_periods"`
}

// OfferTerms is the negotiable payload carried by every offer in a chain.
// Recurring fields are all-or-nothing: a nonzero amount requires a nonzero
// period and total.
type OfferTerms struct {
	Recurring            RecurringTerms  `json:"recurring"`
	ProfitShareBps       int64           `json:"profit_share_bps"`
	EmployerBondRequired int64           `json:"employer_bond_required"`
	WorkerBondRequired   int64           `json:"worker_bond_required"`
	Milestones           []MilestoneSpec `json:"milestones,omitempty"`
	TermsURI             string          `json:"terms_uri,omitempty"`
}

type Offer struct {
	ID            int64      `json:"id"`
	JobID         int64      `json:"job_id"`
	ApplicationID int64      `json:"application_id"`
	Proposer      string     `json:"proposer"`
	Counterparty  string     `json:"counterparty"`
	Party         string     `json:"party" enum:"employer,worker"`
	ParentOfferID int64      `json:"parent_offer_id"`
	RoundIndex    int64      `json:"round_index"`
	Terms         OfferTerms `json:"terms"`
	Status        string     `json:"status" enum:"proposed,countered,accepted,rejected,withdrawn"`
	CreatedAt     int64      `json:"created_at"`
}

// AcceptedOfferSummary is the sole artifact the escrow consumes from the
// negotiation ledger.
type AcceptedOfferSummary struct {
	JobID      int64      `json:"job_id"`
	OfferID    int64      `json:"offer_id"`
	Employer   string     `json:"employer"`
	Worker     string     `json:"worker"`
	Terms      OfferTerms `json:"terms"`
	AcceptedAt int64      `json:"accepted_at"`
}

// RecurringState is the escrow-owned copy of recurring terms with live
// payment counters.
type RecurringState struct {
	AmountPerPeriod int64 `json:"amount_per_period"`
	PeriodSeconds   int64 `json:"period_seconds"`
	TotalPeriods    int64 `json:"total_periods"`
	PaidPeriods     int64 `json:"paid_periods"`
	NextPayTS       int64 `json:"next_pay_ts"`
}

// AgreementTerms freezes the economics of one agreement at activation time;
// fee snapshots do not move when protocol parameters later change.
type AgreementTerms struct {
	Recurring                RecurringState `json:"recurring"`
	ProfitShareBps           int64          `json:"profit_share_bps"`
	ProtocolFeeBpsSnapshot   int64          `json:"protocol_fee_bps_snapshot"`
	ReferralShareBpsSnapshot int64          `json:"referral_share_bps_snapshot"`
	EmployerBondRequired     int64          `json:"employer_bond_required"`
	WorkerBondRequired       int64          `json:"worker_bond_required"`
	MilestoneCount           int64          `json:"milestone_count"`
}

type Agreement struct {
	ID              int64          `json:"id"`
	JobID           int64          `json:"job_id"`
	OfferID         int64          `json:"offer_id"`
	Employer        string         `json:"employer"`
	Worker          string         `json:"worker"`
	Referrer        string         `json:"referrer,omitempty"`
	Status          string         `json:"status" enum:"pending_funding,active,notice_period,terminated,completed"`
	CreatedAt       int64          `json:"created_at"`
	ActivatedAt     int64          `json:"activated_at,omitempty"`
	NoticeStartTS   int64          `json:"notice_start_ts,omitempty"`
	NoticeEndTS     int64          `json:"notice_end_ts,omitempty"`
	RequestedBySide int64          `json:"requested_by_side"`
	DefaultSide     int64          `json:"default_side"`
	Terms           AgreementTerms `json:"terms"`
	TotalGrossPaid  int64          `json:"total_gross_paid"`
	TotalFeesPaid   int64          `json:"total_fees_paid"`
}

// FundingState tracks the balances the funding gate checks, 1:1 with an
// agreement. ReservedRecurringMinimum is computed once at creation and never
// recomputed.
type FundingState struct {
	AgreementID              int64 `json:"agreement_id"`
	RunwayBalance            int64 `json:"runway_balance"`
	EmployerBondLocked       int64 `json:"employer_bond_locked"`
	WorkerBondLocked         int64 `json:"worker_bond_locked"`
	ReservedRecurringMinimum int64 `json:"reserved_recurring_minimum"`
}

type Milestone struct {
	ID                   int64  `json:"id"`
	AgreementID          int64  `json:"agreement_id"`
	Amount               int64  `json:"amount"`
	DueTS                int64  `json:"due_ts"`
	ReviewTimeoutSeconds int64  `json:"review_timeout_seconds"`
	MetadataURI          string `json:"metadata_uri,omitempty"`
	State                string `json:"state" enum:"open,submitted,rejected,paid"`
	SubmittedAt          int64  `json:"submitted_at,omitempty"`
	ReviewDeadline       int64  `json:"review_deadline,omitempty"`
	ProofURI             string `json:"proof_uri,omitempty"`
	ReasonURI            string `json:"reason_uri,omitempty"`
	SettlementMode       string `json:"settlement_mode,omitempty"`
	PaidAt               int64  `json:"paid_at,omitempty"`
}

type ReputationSnapshot struct {
	Account                 string `json:"account"`
	Score                   int64  `json:"score"`
	AgreementsStarted       int64  `json:"agreements_started"`
	AgreementsCompleted     int64  `json:"agreements_completed"`
	DefaultsAsEmployer      int64  `json:"defaults_as_employer"`
	DefaultsAsWorker        int64  `json:"defaults_as_worker"`
	OnTimeRecurringPayments int64  `json:"on_time_recurring_payments"`
	MilestonesSettled       int64  `json:"milestones_settled"`
	TerminationsInitiated   int64  `json:"terminations_initiated"`
	LastUpdatedTS           int64  `json:"last_updated_ts"`
}

type BoardStats struct {
	TotalJobs         int64 `json:"total_jobs"`
	OpenJobs          int64 `json:"open_jobs"`
	MatchedJobs       int64 `json:"matched_jobs"`
	TotalApplications int64 `json:"total_applications"`
	TotalOffers       int64 `json:"total_offers"`
}

type ProtocolStats struct {
	TotalAgreements       int64 `json:"total_agreements"`
	ActiveAgreements      int64 `json:"active_agreements"`
	CompletedAgreements   int64 `json:"completed_agreements"`
	TerminatedAgreements  int64 `json:"terminated_agreements"`
	TotalGrossPayouts     int64 `json:"total_gross_payouts"`
	TotalProtocolFees     int64 `json:"total_protocol_fees"`
	TotalRevenueDeposited int64 `json:"total_revenue_deposited"`
}

// AgreementFinancials is a read model joining funding state with the
// claimable balances of every party on the agreement.
type AgreementFinancials struct {
	Funding           FundingState `json:"funding"`
	WorkerClaimable   int64        `json:"worker_claimable"`
	EmployerClaimable int64        `json:"employer_claimable"`
	ReferrerClaimable int64        `json:"referrer_claimable"`
	TreasuryClaimable int64        `json:"treasury_claimable"`
	TotalGrossPaid    int64        `json:"total_gross_paid"`
	TotalFeesPaid     int64        `json:"total_fees_paid"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         int64  `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   int64  `json:"entity_id"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
