package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type names appended by the engine. Webhook subscriptions filter on
// these strings.
const (
	JobCreated           = "job.created"
	JobClosed            = "job.closed"
	ApplicationSubmitted = "application.submitted"
	OfferProposed        = "offer.proposed"
	OfferRejected        = "offer.rejected"
	OfferWithdrawn       = "offer.withdrawn"
	OfferAccepted        = "offer.accepted"
	AgreementCreated     = "agreement.created"
	AgreementActivated   = "agreement.activated"
	AgreementCompleted   = "agreement.completed"
	AgreementTerminated  = "agreement.terminated"
	AgreementDefaulted   = "agreement.defaulted"
	RunwayFunded         = "runway.funded"
	WorkerBondFunded     = "worker_bond.funded"
	PayClaimed           = "pay.claimed"
	MilestoneSubmitted   = "milestone.submitted"
	MilestoneRejected    = "milestone.rejected"
	MilestoneSettled     = "milestone.settled"
	RevenueDeposited     = "revenue.deposited"
	TerminationRequested = "termination.requested"
	ReputationChanged    = "reputation.changed"
	ClaimableWithdrawn   = "claimable.withdrawn"
	ParamsChanged        = "params.changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event row inside the caller's transaction so the event log
// commits atomically with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind string, entityID int64, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Unix()
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, entityID, actor, string(data))
	return err
}
