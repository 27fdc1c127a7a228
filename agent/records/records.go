package records

import (
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrFullyBooked            = errors.New("experience is fully booked")
	ErrUserBlocked            = errors.New("user is blocked")
	ErrInvalidInput           = errors.New("invalid record input")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyConflict means a key was reused for a different operation.
	ErrIdempotencyConflict = errors.New("idempotency key reused for another operation")
)

type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	Tier           string `json:"tier"`
	MonthlyQuota   int    `json:"monthly_quota"`
}

type User struct {
	UserID       string        `json:"user_id"`
	AccountID    string        `json:"account_id"`
	FullName     string        `json:"full_name"`
	Email        string        `json:"email"`
	IsBlocked    bool          `json:"is_blocked"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Reservations []Reservation `json:"reservations"`
}

type Experience struct {
	ExperienceID   string    `json:"experience_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	When           time.Time `json:"when"`
	SlotsAvailable int       `json:"slots_available"`
	IsPremium      bool      `json:"is_premium"`
}

type Availability struct {
	ExperienceID    string `json:"experience_id"`
	ExperienceTitle string `json:"experience_title"`
	Available       bool   `json:"available"`
	SlotsAvailable  int    `json:"slots_available"`
	SlotsTaken      int    `json:"slots_taken"`
}

type Reservation struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	ExperienceID  string    `json:"experience_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type TicketMessage struct {
	MessageID string    `json:"message_id"`
	TicketID  string    `json:"ticket_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Ticket struct {
	TicketID  string          `json:"ticket_id"`
	AccountID string          `json:"account_id"`
	UserID    string          `json:"user_id"`
	Channel   string          `json:"channel"`
	Status    string          `json:"status"`
	IssueType string          `json:"main_issue_type,omitempty"`
	Tags      string          `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []TicketMessage `json:"messages"`
}

type TicketSummary struct {
	TicketID     string    `json:"ticket_id"`
	Channel      string    `json:"channel"`
	Status       string    `json:"status"`
	Tags         string    `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

const ReservationStatusReserved = "reserved"

var (
	TicketMessageRoles = []string{"user", "agent", "ai", "system"}
	TicketStatuses     = []string{"open", "pending", "escalated", "resolved", "closed"}
)
