package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TimelineWriter appends business events inside the active transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityType, entityID, eventType string, actorID *string, payload map[string]any) error
}

// OutboxWriter enqueues outbox messages inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Orchestrator is the single choke point for every operation that talks to
// the external payment processor or mutates a terminal payout field. The
// idempotency reservation, the entity compare-and-set, the audit row, and
// the processor call all share one transaction: a crash or processor
// failure before commit rolls everything back, leaving the entity
// not-yet-settled so a retry with the same key is safe.
type Orchestrator struct {
	pool      TxBeginner
	repo      Repository
	processor Processor
	timeline  TimelineWriter
	outbox    OutboxWriter
	timeout   time.Duration
	now       func() time.Time
}

func NewOrchestrator(pool TxBeginner, repo Repository, processor Processor) *Orchestrator {
	if repo == nil {
		repo = NewRepository()
	}
	return &Orchestrator{
		pool:      pool,
		repo:      repo,
		processor: processor,
		timeout:   10 * time.Second,
		now:       time.Now,
	}
}

func (o *Orchestrator) WithTimelineAndOutbox(timeline TimelineWriter, outbox OutboxWriter) *Orchestrator {
	o.timeline = timeline
	o.outbox = outbox
	return o
}

func (o *Orchestrator) WithTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.timeout = d
	}
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// RequestPayout settles one entity at most once. Concurrent callers with
// distinct keys race on the entity row: exactly one sees Applied, the rest
// observe the settled state and get OutcomeAlreadySettled.
func (o *Orchestrator) RequestPayout(ctx context.Context, req PayoutRequest) (PayoutResult, error) {
	if req.EntityID == "" {
		return PayoutResult{}, fmt.Errorf("settlement: missing entity id")
	}
	if req.IdempotencyKey == "" {
		return PayoutResult{}, fmt.Errorf("settlement: missing idempotency key")
	}
	if req.AmountCents <= 0 {
		return PayoutResult{}, fmt.Errorf("settlement: invalid amount %d", req.AmountCents)
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := o.repo.ReserveIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return PayoutResult{Outcome: OutcomeAlreadySettled}, nil
		}
		return PayoutResult{}, err
	}

	guard, err := o.repo.ApplyPayoutGuard(ctx, tx, req.EntityType, req.EntityID)
	if err != nil {
		return PayoutResult{}, err
	}
	if guard.AlreadySettled {
		return PayoutResult{Outcome: OutcomeAlreadySettled}, nil
	}

	receipt, err := o.send(ctx, PaymentInstruction{
		IdempotencyKey:     req.IdempotencyKey,
		AmountCents:        req.AmountCents,
		DestinationAccount: req.DestinationAccount,
		Kind:               "payout",
	})
	if err != nil {
		return PayoutResult{}, fmt.Errorf("%w: %s %s: %v", ErrPayoutFailed, req.EntityType, req.EntityID, err)
	}

	if err := o.repo.RecordSettlement(ctx, tx, SettlementRecord{
		IdempotencyKey:     req.IdempotencyKey,
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		Kind:               "payout",
		AmountCents:        req.AmountCents,
		DestinationAccount: req.DestinationAccount,
		ProcessorRef:       receipt.Ref,
	}); err != nil {
		return PayoutResult{}, err
	}

	if err := o.record(ctx, tx, string(req.EntityType), req.EntityID, "PAYOUT_SETTLED", req.ActorID, map[string]any{
		"amount_cents":  req.AmountCents,
		"processor_ref": receipt.Ref,
	}); err != nil {
		return PayoutResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutResult{}, fmt.Errorf("settlement: commit payout: %w", err)
	}

	return PayoutResult{Outcome: OutcomeAccepted, ProcessorRef: receipt.Ref, SettledAt: o.now()}, nil
}

// RequestRefund reverses session escrow. Funds captured earlier (paid)
// trigger a processor refund; a pending session only flips state.
func (o *Orchestrator) RequestRefund(ctx context.Context, req RefundRequest) (PayoutResult, error) {
	if req.SessionID == "" {
		return PayoutResult{}, fmt.Errorf("settlement: missing session id")
	}
	if req.IdempotencyKey == "" {
		return PayoutResult{}, fmt.Errorf("settlement: missing idempotency key")
	}

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return PayoutResult{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := o.repo.ReserveIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return PayoutResult{Outcome: OutcomeAlreadySettled}, nil
		}
		return PayoutResult{}, err
	}

	guard, err := o.repo.ApplyRefundGuard(ctx, tx, req.SessionID, req.Reason)
	if err != nil {
		return PayoutResult{}, err
	}
	if guard.AlreadySettled {
		return PayoutResult{Outcome: OutcomeAlreadySettled}, nil
	}

	var ref string
	if guard.PriorPaymentStatus == "paid" {
		receipt, err := o.send(ctx, PaymentInstruction{
			IdempotencyKey:     req.IdempotencyKey,
			AmountCents:        req.AmountCents,
			DestinationAccount: req.DestinationAccount,
			Kind:               "refund",
		})
		if err != nil {
			return PayoutResult{}, fmt.Errorf("%w: refund session %s: %v", ErrPayoutFailed, req.SessionID, err)
		}
		ref = receipt.Ref
	}

	if err := o.repo.RecordSettlement(ctx, tx, SettlementRecord{
		IdempotencyKey:     req.IdempotencyKey,
		EntityType:         EntitySession,
		EntityID:           req.SessionID,
		Kind:               "refund",
		AmountCents:        req.AmountCents,
		DestinationAccount: req.DestinationAccount,
		ProcessorRef:       ref,
	}); err != nil {
		return PayoutResult{}, err
	}

	if err := o.record(ctx, tx, string(EntitySession), req.SessionID, "PAYMENT_REFUNDED", req.ActorID, map[string]any{
		"reason": req.Reason,
		"prior":  guard.PriorPaymentStatus,
	}); err != nil {
		return PayoutResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutResult{}, fmt.Errorf("settlement: commit refund: %w", err)
	}

	return PayoutResult{Outcome: OutcomeAccepted, ProcessorRef: ref, SettledAt: o.now()}, nil
}

// send issues the external call under a bounded timeout. A timeout is an
// unknown outcome: the transaction rolls back and the caller retries with
// the same idempotency key, never a second distinct payout.
func (o *Orchestrator) send(ctx context.Context, inst PaymentInstruction) (ProcessorReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.processor.Send(callCtx, inst)
}

func (o *Orchestrator) record(ctx context.Context, tx pgx.Tx, entityType, entityID, eventType string, actorID *string, payload map[string]any) error {
	if o.timeline != nil {
		if err := o.timeline.Append(ctx, tx, entityType, entityID, eventType, actorID, payload); err != nil {
			return err
		}
	}
	if o.outbox != nil {
		body := map[string]any{"entity_type": entityType, "entity_id": entityID}
		for k, v := range payload {
			body[k] = v
		}
		topic := "settlement.payout"
		if eventType == "PAYMENT_REFUNDED" {
			topic = "settlement.refund"
		}
		if err := o.outbox.Enqueue(ctx, tx, topic, body); err != nil {
			return err
		}
	}
	return nil
}
