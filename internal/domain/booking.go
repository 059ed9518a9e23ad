package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingStatusScheduled BookingStatus = "scheduled"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking is a third-party scheduled session (consultation, lesson) confirmed by webhook.
type Booking struct {
	ID           uuid.UUID
	Provider     string
	ExternalID   string
	OrderNumber  string
	InviteeEmail string
	StartsAt     time.Time
	Status       BookingStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func CanTransitionBooking(from, to BookingStatus) bool {
	return from == BookingStatusScheduled && to == BookingStatusCancelled
}
