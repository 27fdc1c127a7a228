package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	recordsx "github.com/tanpawarit/udahub-support-orchestrator/agent/records"
)

const (
	ToolRecordsGetUser           = "records.get_user"
	ToolRecordsSearchExperiences = "records.search_experiences"
	ToolRecordsCheckAvailability = "records.check_availability"
	ToolRecordsCreateReservation = "records.create_reservation"
	ToolRecordsListUserTickets   = "records.list_user_tickets"
)

// RecordStore is the record collaborator. Mutations take the call's
// idempotency key.
type RecordStore interface {
	GetUser(ctx context.Context, userID string) (*recordsx.User, error)
	SearchExperiences(ctx context.Context, query string, limit int) ([]recordsx.Experience, error)
	CheckAvailability(ctx context.Context, experienceID string) (*recordsx.Availability, error)
	CreateReservation(ctx context.Context, key, userID, experienceID string) (*recordsx.Reservation, error)
	ListUserTickets(ctx context.Context, accountID, userID string) ([]recordsx.TicketSummary, error)
	GetTicket(ctx context.Context, ticketID string) (*recordsx.Ticket, error)
	AddTicketMessage(ctx context.Context, key, ticketID, role, content string) (*recordsx.TicketMessage, error)
	UpdateTicketStatus(ctx context.Context, key, ticketID, status, tags string) (*recordsx.TicketSummary, error)
}

// NotFoundOutput is returned by lookups that found nothing; an absent record
// is an answer, not a failure.
type NotFoundOutput struct {
	Found  bool   `json:"found"`
	Reason string `json:"reason"`
}

func RecordTools(store RecordStore) []Tool {
	return []Tool{
		{
			Name: ToolRecordsGetUser,
			Desc: "Fetch the customer's profile, subscription and reservations.",
			Params: []Param{
				{Name: "user_id", Type: schema.String, Desc: "Defaults to the current customer", MaxLen: 64},
			},
			Handler: func(ctx context.Context, call Call) (any, error) {
				userID, err := scopedUserID(call)
				if err != nil {
					return nil, err
				}
				user, err := store.GetUser(ctx, userID)
				return lookupResult(user, err)
			},
		},
		{
			Name: ToolRecordsSearchExperiences,
			Desc: "Search bookable experiences by title or description.",
			Params: []Param{
				{Name: "query", Type: schema.String, Desc: "Search term; empty lists all", MaxLen: 128},
				{Name: "limit", Type: schema.Integer, Desc: "Maximum results (1-20)", Min: floatPtr(1), Max: floatPtr(20)},
			},
			Handler: func(ctx context.Context, call Call) (any, error) {
				return store.SearchExperiences(ctx, stringArg(call.Args, "query"), intArg(call.Args, "limit", 10))
			},
		},
		{
			Name: ToolRecordsCheckAvailability,
			Desc: "Check remaining slots for one experience.",
			Params: []Param{
				{Name: "experience_id", Type: schema.String, Desc: "Experience identifier", Required: true, MaxLen: 64},
			},
			Handler: func(ctx context.Context, call Call) (any, error) {
				availability, err := store.CheckAvailability(ctx, stringArg(call.Args, "experience_id"))
				return lookupResult(availability, err)
			},
		},
		{
			Name: ToolRecordsCreateReservation,
			Desc: "Reserve a slot in an experience for the customer.",
			Params: []Param{
				{Name: "experience_id", Type: schema.String, Desc: "Experience identifier", Required: true, MaxLen: 64},
				{Name: "user_id", Type: schema.String, Desc: "Defaults to the current customer", MaxLen: 64},
			},
			Mutating: true,
			Handler: func(ctx context.Context, call Call) (any, error) {
				userID, err := scopedUserID(call)
				if err != nil {
					return nil, err
				}
				reservation, err := store.CreateReservation(ctx, call.IdempotencyKey, userID, stringArg(call.Args, "experience_id"))
				if err != nil {
					return nil, mutationError(err)
				}
				return reservation, nil
			},
		},
		{
			Name: ToolRecordsListUserTickets,
			Desc: "List the customer's support tickets.",
			Handler: func(ctx context.Context, call Call) (any, error) {
				if call.Customer.UserID == "" {
					return nil, fmt.Errorf("%w: no customer on this session", contractx.ErrToolValidation)
				}
				return store.ListUserTickets(ctx, call.Customer.AccountID, call.Customer.UserID)
			},
		},
	}
}

// scopedUserID keeps an agent on the session's own customer record.
func scopedUserID(call Call) (string, error) {
	requested := stringArg(call.Args, "user_id")
	own := call.Customer.UserID
	switch {
	case requested == "" && own == "":
		return "", fmt.Errorf("%w: user_id is required", contractx.ErrToolValidation)
	case requested == "":
		return own, nil
	case own != "" && requested != own:
		return "", fmt.Errorf("%w: user_id outside the session's customer", contractx.ErrCapabilityDenied)
	default:
		return requested, nil
	}
}

func lookupResult[T any](v *T, err error) (any, error) {
	if errors.Is(err, recordsx.ErrNotFound) {
		return NotFoundOutput{Found: false, Reason: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func mutationError(err error) error {
	if errors.Is(err, recordsx.ErrInvalidInput) || errors.Is(err, recordsx.ErrIdempotencyKeyRequired) {
		return fmt.Errorf("%w: %v", contractx.ErrToolValidation, err)
	}
	return fmt.Errorf("%w: %v", contractx.ErrToolExecution, err)
}
