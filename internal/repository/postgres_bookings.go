package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/google/uuid"
)

func (r *PostgresRepository) CreateBooking(ctx context.Context, b *domain.Booking) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO bookings (id, provider, external_id, order_number, invitee_email, starts_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (provider, external_id) DO NOTHING`,
		b.ID, b.Provider, b.ExternalID, b.OrderNumber, b.InviteeEmail, nullTime(b.StartsAt), b.Status, b.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert booking: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) GetBooking(ctx context.Context, provider, externalID string) (*domain.Booking, error) {
	var b domain.Booking
	var startsAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, provider, external_id, order_number, invitee_email, starts_at, status, created_at, updated_at
		 FROM bookings WHERE provider = $1 AND external_id = $2`, provider, externalID).
		Scan(&b.ID, &b.Provider, &b.ExternalID, &b.OrderNumber, &b.InviteeEmail, &startsAt, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query booking: %w", err)
	}
	if startsAt.Valid {
		b.StartsAt = startsAt.Time
	}
	return &b, nil
}

func (r *PostgresRepository) UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to domain.BookingStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bookings SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
