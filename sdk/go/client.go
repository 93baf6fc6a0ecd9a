// Package hirelinesdk is a minimal Hireline HTTP API client.
package hirelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Job is the API job model.
type Job struct {
	ID                  int64  `json:"id"`
	Employer            string `json:"employer"`
	MetadataURI         string `json:"metadata_uri"`
	Visibility          string `json:"visibility"`
	ApplicationDeadline int64  `json:"application_deadline_ts"`
	MinWorkerScore      int64  `json:"min_worker_score"`
	CompModeMask        int64  `json:"comp_mode_mask"`
	Status              string `json:"status"`
	AcceptedOfferID     int64  `json:"accepted_offer_id"`
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

// OfferTerms is the negotiable payload of an offer.
type OfferTerms struct {
	Recurring struct {
		AmountPerPeriod int64 `json:"amount_per_period"`
		PeriodSeconds   int64 `json:"period_seconds"`
		TotalPeriods    int64 `json:"total_periods"`
	} `json:"recurring"`
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
	Party         string     `json:"party"`
	RoundIndex    int64      `json:"round_index"`
	Terms         OfferTerms `json:"terms"`
	Status        string     `json:"status"`
}

type Agreement struct {
	ID             int64          `json:"id"`
	JobID          int64          `json:"job_id"`
	OfferID        int64          `json:"offer_id"`
	Employer       string         `json:"employer"`
	Worker         string         `json:"worker"`
	Referrer       string         `json:"referrer,omitempty"`
	Status         string         `json:"status"`
	ActivatedAt    int64          `json:"activated_at,omitempty"`
	NoticeEndTS    int64          `json:"notice_end_ts,omitempty"`
	Terms          map[string]any `json:"terms"`
	TotalGrossPaid int64          `json:"total_gross_paid"`
	TotalFeesPaid  int64          `json:"total_fees_paid"`
}

type FundingState struct {
	AgreementID              int64 `json:"agreement_id"`
	RunwayBalance            int64 `json:"runway_balance"`
	EmployerBondLocked       int64 `json:"employer_bond_locked"`
	WorkerBondLocked         int64 `json:"worker_bond_locked"`
	ReservedRecurringMinimum int64 `json:"reserved_recurring_minimum"`
}

type Milestone struct {
	ID             int64  `json:"id"`
	AgreementID    int64  `json:"agreement_id"`
	Amount         int64  `json:"amount"`
	State          string `json:"state"`
	ReviewDeadline int64  `json:"review_deadline,omitempty"`
	SettlementMode string `json:"settlement_mode,omitempty"`
}

type PayClaim struct {
	AgreementID int64 `json:"agreement_id"`
	PeriodIndex int64 `json:"period_index"`
	Gross       int64 `json:"gross"`
	Fee         int64 `json:"fee"`
	WorkerNet   int64 `json:"worker_net"`
	Defaulted   bool  `json:"defaulted"`
}

type RevenueSplit struct {
	AgreementID   int64 `json:"agreement_id"`
	Gross         int64 `json:"gross"`
	WorkerShare   int64 `json:"worker_share"`
	EmployerShare int64 `json:"employer_share"`
	ProtocolFee   int64 `json:"protocol_fee"`
}

type ReputationSnapshot struct {
	Account string `json:"account"`
	Score   int64  `json:"score"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         int64          `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   int64          `json:"entity_id"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, account string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"account": account}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

func (c *Client) CreateJob(ctx context.Context, body map[string]any) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", body, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/jobs/%d", id), nil, &resp)
	return resp, err
}

func (c *Client) Apply(ctx context.Context, jobID int64, applicationURI string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/applications", jobID),
		map[string]any{"application_uri": applicationURI}, &resp)
	return resp, err
}

func (c *Client) ProposeOffer(ctx context.Context, jobID, applicationID int64, terms OfferTerms) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/applications/%d/offers", jobID, applicationID), terms, &resp)
	return resp, err
}

func (c *Client) CounterOffer(ctx context.Context, jobID, offerID int64, terms OfferTerms) (Offer, error) {
	var resp Offer
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/offers/%d/counter", jobID, offerID), terms, &resp)
	return resp, err
}

func (c *Client) AcceptOffer(ctx context.Context, jobID, offerID int64) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/jobs/%d/offers/%d/accept", jobID, offerID), nil, &resp)
	return resp.Job, err
}

func (c *Client) ActivateAgreement(ctx context.Context, jobID, offerID int64, referrer string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "v0/agreements",
		map[string]any{"job_id": jobID, "offer_id": offerID, "referrer": referrer}, &resp)
	return resp, err
}

func (c *Client) FundRunway(ctx context.Context, agreementID, amount int64) (FundingState, error) {
	var resp FundingState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/fund-runway", agreementID),
		map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) FundWorkerBond(ctx context.Context, agreementID, amount int64) (FundingState, error) {
	var resp FundingState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/fund-worker-bond", agreementID),
		map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) ClaimPay(ctx context.Context, agreementID int64) (PayClaim, error) {
	var resp PayClaim
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/claim-pay", agreementID), nil, &resp)
	return resp, err
}

func (c *Client) DepositRevenue(ctx context.Context, agreementID, amount int64) (RevenueSplit, error) {
	var resp RevenueSplit
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/revenue", agreementID),
		map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) SubmitMilestone(ctx context.Context, agreementID, milestoneID int64, proofURI string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/milestones/%d/submit", agreementID, milestoneID),
		map[string]any{"proof_uri": proofURI}, &resp)
	return resp, err
}

func (c *Client) ApproveMilestone(ctx context.Context, agreementID, milestoneID int64) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/milestones/%d/approve", agreementID, milestoneID), nil, &resp)
	return resp, err
}

func (c *Client) RequestTerminate(ctx context.Context, agreementID int64, side string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/terminate", agreementID),
		map[string]any{"side": side}, &resp)
	return resp, err
}

func (c *Client) FinalizeTerminate(ctx context.Context, agreementID int64) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/agreements/%d/finalize", agreementID), nil, &resp)
	return resp, err
}

func (c *Client) Claimable(ctx context.Context, account string) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/accounts/%s/claimable", account), nil, &resp)
	return resp.Balance, err
}

func (c *Client) Withdraw(ctx context.Context) (int64, error) {
	var resp struct {
		Amount int64 `json:"amount"`
	}
	err := c.do(ctx, http.MethodPost, "v0/withdrawals", nil, &resp)
	return resp.Amount, err
}

func (c *Client) Reputation(ctx context.Context, account string) (ReputationSnapshot, error) {
	var resp ReputationSnapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/accounts/%s/reputation", account), nil, &resp)
	return resp, err
}

func (c *Client) Events(ctx context.Context, afterID, limit int64) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events?after_id=%d&limit=%d", afterID, limit), nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
