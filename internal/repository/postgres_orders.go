package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = `id, order_number, cart_session_id, customer, customer_email, items, total_minor, currency,
	status, payment_provider, payment_id, failure_reason, status_changed_at, created_at, updated_at`

func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	query := `INSERT INTO orders (id, order_number, cart_session_id, customer, customer_email, items, total_minor,
	              currency, status, payment_provider, payment_id, status_changed_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

	_, insertErr := r.db.ExecContext(ctx, query,
		order.ID,
		order.OrderNumber,
		order.CartSessionID,
		order.Customer,
		order.CustomerEmail,
		itemsJSON,
		order.Total,
		order.Currency,
		order.Status,
		order.PaymentProvider,
		order.PaymentID,
		order.StatusChangedAt,
		order.CreatedAt)

	if insertErr != nil {
		var pqErr *pq.Error
		if errors.As(insertErr, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}
	return nil
}

func (r *PostgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return r.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)
}

func (r *PostgresRepository) GetOrderByPaymentID(ctx context.Context, provider, paymentID string) (*domain.Order, error) {
	if paymentID == "" {
		return nil, ErrOrderNotFound
	}
	return r.getOrder(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_provider = $1 AND payment_id = $2`,
		provider, paymentID)
}

func (r *PostgresRepository) getOrder(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return order, nil
}

// ApplyTransition moves an order from t.From to t.To, recording history and the outbox event in one
// transaction. A repeated idempotency key returns ErrDuplicateTransition; a status that moved
// underneath returns ErrStatusConflict.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, t domain.StatusTransition, event *OutboxEvent) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO order_status_history (order_id, from_status, to_status, source, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (order_id, idempotency_key) DO NOTHING`,
			t.OrderID, t.From, t.To, t.Source, t.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDuplicateTransition
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $3,
			     payment_id = COALESCE(NULLIF($4::text, ''), payment_id),
			     failure_reason = COALESCE(NULLIF($5::text, ''), failure_reason),
			     status_changed_at = NOW(),
			     updated_at = NOW()
			 WHERE id = $1 AND status = $2`,
			t.OrderID, t.From, t.To, t.PaymentID, t.FailureReason)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStatusConflict
		}

		if event == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
			event.AggregateId, event.EventType, []byte(event.Payload)); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListStaleOrders(ctx context.Context, statuses []domain.OrderStatus, idleBefore time.Time, limit int) ([]*domain.Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = ANY($1) AND status_changed_at < $2
		 ORDER BY status_changed_at
		 LIMIT $3`,
		pq.Array(names), idleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return orders, nil
}

func (r *PostgresRepository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_status, to_status, source, created_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var entries []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := rows.Scan(&e.From, &e.To, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return entries, nil
}

func (r *PostgresRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox_events WHERE processed_at IS NULL
		 ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.AggregateId, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

func (r *PostgresRepository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var itemsJSON []byte
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.CartSessionID,
		&order.Customer,
		&order.CustomerEmail,
		&itemsJSON,
		&order.Total,
		&order.Currency,
		&order.Status,
		&order.PaymentProvider,
		&order.PaymentID,
		&order.FailureReason,
		&order.StatusChangedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &order, nil
}
