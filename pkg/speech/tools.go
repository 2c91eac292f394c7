package speech

import openairt "github.com/WqyJh/go-openai-realtime"

// Tool names the assistant may invoke.
const (
	ToolBookService   = "book_service"
	ToolUpdateBooking = "update_booking"
	ToolCancelBooking = "cancel_booking"
	ToolNotifyOwner   = "notify_owner"
	ToolTransferCall  = "transfer_call"
)

// stringArgSchema builds a JSON schema for a function taking one required
// string argument.
func stringArgSchema(name, description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			name: map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{name},
	}
}

// Tools returns the fixed set of function definitions sent with every
// session configuration.
func Tools() []openairt.Tool {
	return []openairt.Tool{
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolBookService,
			Description: "Send the caller a link to book an appointment online.",
			Parameters:  stringArgSchema("caller_number", "The caller's phone number"),
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolUpdateBooking,
			Description: "Send the caller a link to reschedule an existing booking.",
			Parameters:  stringArgSchema("caller_number", "The caller's phone number"),
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolCancelBooking,
			Description: "Send the caller a link to cancel an existing booking.",
			Parameters:  stringArgSchema("caller_number", "The caller's phone number"),
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolNotifyOwner,
			Description: "Forward a message from the caller to the business owner.",
			Parameters:  stringArgSchema("reason", "What the caller wants the team to know"),
		},
		{
			Type:        openairt.ToolTypeFunction,
			Name:        ToolTransferCall,
			Description: "Transfer the live call to a member of staff.",
			Parameters:  stringArgSchema("caller_number", "The caller's phone number"),
		},
	}
}
