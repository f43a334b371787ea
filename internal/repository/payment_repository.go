package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/models"
)

type PaymentRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewPaymentRepository(db *sql.DB, dialect Dialect) *PaymentRepository {
	return &PaymentRepository{db: db, dialect: dialect}
}

func (r *PaymentRepository) InitDB() error {
	return r.InitDBContext(context.Background())
}

func (r *PaymentRepository) InitDBContext(ctx context.Context) error {
	for _, query := range r.dialect.schema {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const paymentColumns = `id, order_id, store_id, customer_id, amount, currency, payment_method,
	payment_type, rate, remaining_amount, held_amount, held_until, hold_reason, release_conditions,
	status, provider_code, provider_payment_id, provider_transaction_id, redirect_url,
	refunded_amount, pending_refund, dispute, released_by, failure_reason, metadata,
	created_at, updated_at, released_at, resolved_at, version`

func (r *PaymentRepository) Insert(ctx context.Context, p *models.Payment) error {
	args, err := r.paymentArgs(p)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	_, err = r.db.ExecContext(ctx, r.dialect.rebind(
		`INSERT INTO payments (`+paymentColumns+`) VALUES (`+placeholders+`)`), args...)
	return err
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundErr("get payment", id)
	}
	return p, err
}

func (r *PaymentRepository) GetByProviderPaymentID(ctx context.Context, providerCode, providerPaymentID string) (*models.Payment, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(
		`SELECT `+paymentColumns+` FROM payments WHERE provider_code = ? AND provider_payment_id = ?`),
		providerCode, providerPaymentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundErr("get payment by provider reference", providerPaymentID)
	}
	return p, err
}

func (r *PaymentRepository) CompareAndSet(ctx context.Context, p *models.Payment, expectedStatus models.PaymentStatus, expectedVersion int64, actor string) (bool, error) {
	args, err := r.paymentArgs(p)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// args[0] is the id and the last arg the old version; every other column is rewritten.
	setArgs := make([]any, 0, len(args)+3)
	setArgs = append(setArgs, args[1:len(args)-1]...)
	setArgs = append(setArgs, expectedVersion+1, p.ID, string(expectedStatus), expectedVersion)

	result, err := tx.ExecContext(ctx, r.dialect.rebind(`
		UPDATE payments SET
			order_id = ?, store_id = ?, customer_id = ?, amount = ?, currency = ?, payment_method = ?,
			payment_type = ?, rate = ?, remaining_amount = ?, held_amount = ?, held_until = ?,
			hold_reason = ?, release_conditions = ?, status = ?, provider_code = ?,
			provider_payment_id = ?, provider_transaction_id = ?, redirect_url = ?,
			refunded_amount = ?, pending_refund = ?, dispute = ?, released_by = ?, failure_reason = ?, metadata = ?,
			created_at = ?, updated_at = ?, released_at = ?, resolved_at = ?, version = ?
		WHERE id = ? AND status = ? AND version = ?
	`), setArgs...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	if p.Status != expectedStatus {
		_, err = tx.ExecContext(ctx, r.dialect.rebind(`
			INSERT INTO payment_transitions (id, payment_id, from_status, to_status, actor, version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), uuid.NewString(), p.ID, string(expectedStatus), string(p.Status), actor, expectedVersion+1, r.dialect.timeArg(p.UpdatedAt))
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	p.Version = expectedVersion + 1
	return true, nil
}

func (r *PaymentRepository) ListDueHeld(ctx context.Context, now time.Time, limit int) ([]*models.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
		`SELECT `+paymentColumns+` FROM payments
		WHERE status = ? AND held_until <= ?
		ORDER BY held_until ASC
		LIMIT ?`), string(models.StatusHeld), r.dialect.timeArg(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) ListTransitions(ctx context.Context, paymentID string) ([]models.Transition, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
		SELECT payment_id, from_status, to_status, actor, version, created_at
		FROM payment_transitions WHERE payment_id = ? ORDER BY version ASC
	`), paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		var from, to string
		var created dbTime
		if err := rows.Scan(&t.PaymentID, &from, &to, &t.Actor, &t.Version, &created); err != nil {
			return nil, err
		}
		t.From, t.To, t.CreatedAt = models.PaymentStatus(from), models.PaymentStatus(to), created.Time
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) RecordWebhookEvent(ctx context.Context, rec *models.WebhookRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		INSERT INTO webhook_events (id, provider_code, event_id, event_type, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_code, event_id) DO NOTHING
	`), rec.ID, rec.ProviderCode, rec.EventID, rec.EventType, string(rec.Payload), r.dialect.timeArg(rec.ReceivedAt))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *PaymentRepository) GetWebhookEvent(ctx context.Context, providerCode, eventID string) (*models.WebhookRecord, error) {
	var (
		rec       models.WebhookRecord
		payload   string
		received  dbTime
		processed dbTime
	)
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(`
		SELECT id, provider_code, event_id, event_type, payload, received_at, processed_at, process_error
		FROM webhook_events WHERE provider_code = ? AND event_id = ?
	`), providerCode, eventID).Scan(&rec.ID, &rec.ProviderCode, &rec.EventID, &rec.EventType, &payload,
		&received, &processed, &rec.ProcessError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.Error{Kind: apperr.NotFound, Op: "get webhook event", Message: "webhook event not found"}
	}
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.ReceivedAt = received.Time
	rec.ProcessedAt = processed.ptr()
	return &rec, nil
}

func (r *PaymentRepository) MarkWebhookEventProcessed(ctx context.Context, providerCode, eventID, processErr string) error {
	var processedAt any
	if processErr == "" {
		processedAt = r.dialect.timeArg(time.Now())
	}
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`
		UPDATE webhook_events SET processed_at = ?, process_error = ?
		WHERE provider_code = ? AND event_id = ?
	`), processedAt, truncate(processErr, 250), providerCode, eventID)
	return err
}

// paymentArgs returns column values in paymentColumns order.
func (r *PaymentRepository) paymentArgs(p *models.Payment) ([]any, error) {
	var (
		rate       sql.NullInt64
		remaining  decimal.NullDecimal
		held       decimal.NullDecimal
		heldUntil  any
		holdReason string
		conditions string
		dispute    string
		metadata   string
		providerID any
		pending    decimal.NullDecimal
	)

	if p.PendingRefund != nil {
		pending = decimal.NullDecimal{Decimal: *p.PendingRefund, Valid: true}
	}
	if p.Percentage != nil {
		rate = sql.NullInt64{Int64: int64(p.Percentage.Rate), Valid: true}
		remaining = decimal.NullDecimal{Decimal: p.Percentage.RemainingAmount, Valid: true}
	}
	if p.Escrow != nil {
		held = decimal.NullDecimal{Decimal: p.Escrow.HeldAmount, Valid: true}
		heldUntil = r.dialect.timeArg(p.Escrow.HeldUntil)
		holdReason = p.Escrow.HoldReason
		conditions = string(p.Escrow.ReleaseConditions)
	}
	if p.Dispute != nil {
		b, err := json.Marshal(p.Dispute)
		if err != nil {
			return nil, err
		}
		dispute = string(b)
	}
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(b)
	}
	if p.ProviderPaymentID != "" {
		providerID = p.ProviderPaymentID
	}

	return []any{
		p.ID, p.OrderID, p.StoreID, p.CustomerID, p.Amount, p.Currency, p.PaymentMethod,
		string(p.Type), rate, remaining, held, heldUntil, holdReason, conditions,
		string(p.Status), p.ProviderCode, providerID, p.ProviderTransactionID, p.RedirectURL,
		p.RefundedAmount, pending, dispute, p.ReleasedBy, p.FailureReason, metadata,
		r.dialect.timeArg(p.CreatedAt), r.dialect.timeArg(p.UpdatedAt),
		r.dialect.nullTimeArg(p.ReleasedAt), r.dialect.nullTimeArg(p.ResolvedAt), p.Version,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(s scanner) (*models.Payment, error) {
	var (
		p          models.Payment
		paymentTyp string
		status     string
		rate       sql.NullInt64
		remaining  decimal.NullDecimal
		held       decimal.NullDecimal
		pending    decimal.NullDecimal
		heldUntil  dbTime
		holdReason string
		conditions string
		providerID sql.NullString
		dispute    string
		metadata   string
		createdAt  dbTime
		updatedAt  dbTime
		releasedAt dbTime
		resolvedAt dbTime
	)

	err := s.Scan(
		&p.ID, &p.OrderID, &p.StoreID, &p.CustomerID, &p.Amount, &p.Currency, &p.PaymentMethod,
		&paymentTyp, &rate, &remaining, &held, &heldUntil, &holdReason, &conditions,
		&status, &p.ProviderCode, &providerID, &p.ProviderTransactionID, &p.RedirectURL,
		&p.RefundedAmount, &pending, &dispute, &p.ReleasedBy, &p.FailureReason, &metadata,
		&createdAt, &updatedAt, &releasedAt, &resolvedAt, &p.Version,
	)
	if err != nil {
		return nil, err
	}

	p.Type = models.PaymentType(paymentTyp)
	p.Status = models.PaymentStatus(status)
	p.ProviderPaymentID = providerID.String
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	p.ReleasedAt = releasedAt.ptr()
	p.ResolvedAt = resolvedAt.ptr()
	if pending.Valid {
		v := pending.Decimal
		p.PendingRefund = &v
	}

	if rate.Valid {
		p.Percentage = &models.PercentageTerms{Rate: int(rate.Int64), RemainingAmount: remaining.Decimal}
	}
	if held.Valid {
		p.Escrow = &models.EscrowTerms{
			HeldAmount: held.Decimal,
			HeldUntil:  heldUntil.Time,
			HoldReason: holdReason,
		}
		if conditions != "" {
			p.Escrow.ReleaseConditions = json.RawMessage(conditions)
		}
	}
	if dispute != "" {
		p.Dispute = &models.Dispute{}
		if err := json.Unmarshal([]byte(dispute), p.Dispute); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &p, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
