package tool

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	recordsx "github.com/tanpawarit/udahub-support-orchestrator/agent/records"
)

const (
	ToolTicketsGet          = "tickets.get"
	ToolTicketsAddMessage   = "tickets.add_message"
	ToolTicketsUpdateStatus = "tickets.update_status"
)

func TicketTools(store RecordStore) []Tool {
	ticketParam := Param{Name: "ticket_id", Type: schema.String, Desc: "Defaults to the session's ticket", MaxLen: 64}

	return []Tool{
		{
			Name:   ToolTicketsGet,
			Desc:   "Fetch a support ticket with its messages.",
			Params: []Param{ticketParam},
			Handler: func(ctx context.Context, call Call) (any, error) {
				ticketID, err := scopedTicketID(call)
				if err != nil {
					return nil, err
				}
				ticket, err := store.GetTicket(ctx, ticketID)
				return lookupResult(ticket, err)
			},
		},
		{
			Name: ToolTicketsAddMessage,
			Desc: "Append a message to a support ticket.",
			Params: []Param{
				ticketParam,
				{Name: "role", Type: schema.String, Desc: "Author role", Required: true, Enum: recordsx.TicketMessageRoles},
				{Name: "content", Type: schema.String, Desc: "Message body", Required: true, MaxLen: 4000},
			},
			Mutating: true,
			Handler: func(ctx context.Context, call Call) (any, error) {
				ticketID, err := scopedTicketID(call)
				if err != nil {
					return nil, err
				}
				msg, err := store.AddTicketMessage(ctx, call.IdempotencyKey, ticketID, stringArg(call.Args, "role"), stringArg(call.Args, "content"))
				if err != nil {
					return nil, mutationError(err)
				}
				return msg, nil
			},
		},
		{
			Name: ToolTicketsUpdateStatus,
			Desc: "Change a ticket's status and optionally its tags.",
			Params: []Param{
				ticketParam,
				{Name: "status", Type: schema.String, Desc: "New status", Required: true, Enum: recordsx.TicketStatuses},
				{Name: "tags", Type: schema.String, Desc: "Comma separated tags", MaxLen: 256},
			},
			Mutating: true,
			Handler: func(ctx context.Context, call Call) (any, error) {
				ticketID, err := scopedTicketID(call)
				if err != nil {
					return nil, err
				}
				summary, err := store.UpdateTicketStatus(ctx, call.IdempotencyKey, ticketID, stringArg(call.Args, "status"), stringArg(call.Args, "tags"))
				if err != nil {
					return nil, mutationError(err)
				}
				return summary, nil
			},
		},
	}
}

func scopedTicketID(call Call) (string, error) {
	requested := stringArg(call.Args, "ticket_id")
	own := call.Customer.TicketID
	switch {
	case requested == "" && own == "":
		return "", fmt.Errorf("%w: ticket_id is required", contractx.ErrToolValidation)
	case requested == "":
		return own, nil
	case own != "" && requested != own:
		return "", fmt.Errorf("%w: ticket outside the session", contractx.ErrCapabilityDenied)
	default:
		return requested, nil
	}
}

// Builtins assembles every tool the engine ships with. A nil store leaves
// the record and ticket tools out.
func Builtins(retriever contractx.Retriever, store RecordStore) []Tool {
	tools := []Tool{MathTool()}
	if retriever != nil {
		tools = append(tools, KnowledgeTool(retriever))
	}
	if store != nil {
		tools = append(tools, RecordTools(store)...)
		tools = append(tools, TicketTools(store)...)
	}
	return tools
}
