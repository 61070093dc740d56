package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/vocero-ai/vocero/internal/config"
)

// MessageRequest is the payload of a take_message call.
type MessageRequest struct {
	CallerName string
	Message    string
	Urgency    string
}

// CallbackRequest is the payload of a schedule_callback call.
type CallbackRequest struct {
	Number      string
	Reason      string
	PreferredAt string
	CallerName  string
}

// HandoffRequest is the payload of a request_handoff or transfer_call call.
type HandoffRequest struct {
	Destination string
	CallerName  string
	Reason      string
}

// Deps are the session callbacks behind the built-in tools. Optional info
// lookups may be nil; the corresponding tool is then not registered.
type Deps struct {
	// EndCall schedules the delayed hangup.
	EndCall func(reason string)

	// Handoff starts the announced-transfer flow.
	Handoff func(ctx context.Context, req HandoffRequest) error

	// TakeMessage persists a caller message and fires the webhook.
	TakeMessage func(ctx context.Context, req MessageRequest) error

	// Hold and Unhold pause and resume the caller-side audio stream.
	Hold   func(ctx context.Context) error
	Unhold func(ctx context.Context) error

	// CheckExtension reports whether an extension is currently reachable.
	CheckExtension func(ctx context.Context, extension string) (bool, error)

	// ScheduleCallback records a callback request and fires the webhook.
	ScheduleCallback func(ctx context.Context, req CallbackRequest) error

	// Optional info lookups.
	LookupCustomer   func(ctx context.Context, phone string) (map[string]any, error)
	CheckAppointment func(ctx context.Context, customer string) (map[string]any, error)
	BusinessInfo     func() string
}

// Builtin constructs the always-present tool set plus any optional info
// tools whose dependency is wired.
func Builtin(deps Deps) []*Tool {
	ts := []*Tool{
		newRequestHandoff(deps),
		newEndCall(deps),
		newTakeMessage(deps),
		newHoldCall(deps),
		newUnholdCall(deps),
		newCheckExtension(deps),
		newScheduleCallback(deps),
	}
	if deps.LookupCustomer != nil {
		ts = append(ts, newLookupCustomer(deps))
	}
	if deps.CheckAppointment != nil {
		ts = append(ts, newCheckAppointment(deps))
	}
	if deps.BusinessInfo != nil {
		ts = append(ts, newBusinessInfo(deps))
	}
	return ts
}

func newRequestHandoff(deps Deps) *Tool {
	return &Tool{
		Name:        "request_handoff",
		Description: "Transfer the caller to a human attendant or department. Use when the caller asks to speak with a person or names a department.",
		Parameters: ObjectSchema(map[string]any{
			"destination": StringProp("Department, extension, or person the caller asked for."),
			"caller_name": StringProp("Name of the caller. Ask for it before transferring."),
			"reason":      StringProp("Short reason for the transfer."),
		}, "destination", "caller_name"),
		Category:         CategoryTransfer,
		RequiresResponse: false,
		Fillers:          []string{"Um momento, vou transferir sua ligação.", "Só um instante, por favor."},
		Handler: func(ctx context.Context, args map[string]any) Result {
			req := HandoffRequest{
				Destination: stringArg(args, "destination"),
				CallerName:  stringArg(args, "caller_name"),
				Reason:      stringArg(args, "reason"),
			}
			if deps.Handoff == nil {
				return Fail("transfers are not available")
			}
			if err := deps.Handoff(ctx, req); err != nil {
				return Fail("transfer failed: %v", err)
			}
			return Result{
				Success:     true,
				Data:        map[string]any{"destination": req.Destination},
				SideEffects: []SideEffect{EffectHandoff},
			}
		},
	}
}

func newEndCall(deps Deps) *Tool {
	return &Tool{
		Name:        "end_call",
		Description: "End the call politely. Use after saying goodbye, or when the conversation is complete.",
		Parameters: ObjectSchema(map[string]any{
			"reason": StringProp("Why the call is ending."),
		}),
		Category:         CategoryCall,
		RequiresResponse: false,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if deps.EndCall != nil {
				deps.EndCall(stringArg(args, "reason"))
			}
			return Result{Success: true, SideEffects: []SideEffect{EffectEndCall}}
		},
	}
}

func newTakeMessage(deps Deps) *Tool {
	return &Tool{
		Name:        "take_message",
		Description: "Record a message for a callback. Use when the caller wants to leave a message instead of waiting.",
		Parameters: ObjectSchema(map[string]any{
			"caller_name": StringProp("Name of the caller leaving the message."),
			"message":     StringProp("The message content."),
			"urgency":     EnumProp("How urgent the message is.", "low", "normal", "high"),
		}, "caller_name", "message"),
		Category:         CategoryCall,
		RequiresResponse: true,
		Fillers:          []string{"Só um momento enquanto anoto."},
		Handler: func(ctx context.Context, args map[string]any) Result {
			req := MessageRequest{
				CallerName: stringArg(args, "caller_name"),
				Message:    stringArg(args, "message"),
				Urgency:    stringArg(args, "urgency"),
			}
			if req.Urgency == "" {
				req.Urgency = "normal"
			}
			if deps.TakeMessage == nil {
				return Fail("messages are not available")
			}
			if err := deps.TakeMessage(ctx, req); err != nil {
				return Fail("could not record the message: %v", err)
			}
			return Result{
				Success:     true,
				Instruction: "Recado anotado! Obrigado, tenha um bom dia.",
				SideEffects: []SideEffect{EffectMessageTaken},
			}
		},
	}
}

func newHoldCall(deps Deps) *Tool {
	return &Tool{
		Name:        "hold_call",
		Description: "Put the caller on hold while checking something.",
		Parameters:  ObjectSchema(nil),
		Category:    CategoryCall,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if deps.Hold == nil {
				return Fail("hold is not available")
			}
			if err := deps.Hold(ctx); err != nil {
				return Fail("hold failed: %v", err)
			}
			return Result{Success: true, SideEffects: []SideEffect{EffectHold}}
		},
	}
}

func newUnholdCall(deps Deps) *Tool {
	return &Tool{
		Name:        "unhold_call",
		Description: "Take the caller off hold and resume the conversation.",
		Parameters:  ObjectSchema(nil),
		Category:    CategoryCall,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if deps.Unhold == nil {
				return Fail("hold is not available")
			}
			if err := deps.Unhold(ctx); err != nil {
				return Fail("resume failed: %v", err)
			}
			return Result{Success: true, SideEffects: []SideEffect{EffectUnhold}}
		},
	}
}

func newCheckExtension(deps Deps) *Tool {
	return &Tool{
		Name:        "check_extension_available",
		Description: "Check whether an internal extension is currently reachable before offering a transfer.",
		Parameters: ObjectSchema(map[string]any{
			"extension": StringProp("The extension number to check."),
		}, "extension"),
		Category:         CategoryInfo,
		RequiresResponse: true,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if deps.CheckExtension == nil {
				return Fail("extension checks are not available")
			}
			ext := stringArg(args, "extension")
			available, err := deps.CheckExtension(ctx, ext)
			if err != nil {
				return Fail("could not check extension %s: %v", ext, err)
			}
			return Ok(map[string]any{"extension": ext, "available": available})
		},
	}
}

func newScheduleCallback(deps Deps) *Tool {
	return &Tool{
		Name:        "schedule_callback",
		Description: "Schedule a callback to the caller. Use when the caller prefers to be called back later.",
		Parameters: ObjectSchema(map[string]any{
			"number":         StringProp("Phone number to call back."),
			"reason":         StringProp("What the callback is about."),
			"preferred_time": StringProp("When the caller prefers to be called, free text."),
			"caller_name":    StringProp("Name of the caller."),
		}, "number"),
		Category:         CategoryCall,
		RequiresResponse: true,
		Handler: func(ctx context.Context, args map[string]any) Result {
			req := CallbackRequest{
				Number:      stringArg(args, "number"),
				Reason:      stringArg(args, "reason"),
				PreferredAt: stringArg(args, "preferred_time"),
				CallerName:  stringArg(args, "caller_name"),
			}
			if deps.ScheduleCallback == nil {
				return Fail("callbacks are not available")
			}
			if err := deps.ScheduleCallback(ctx, req); err != nil {
				return Fail("could not schedule the callback: %v", err)
			}
			return Result{
				Success:     true,
				Instruction: "Retorno agendado! Entraremos em contato. Obrigado.",
				SideEffects: []SideEffect{EffectCallback},
			}
		},
	}
}

func newLookupCustomer(deps Deps) *Tool {
	return &Tool{
		Name:        "lookup_customer",
		Description: "Look up a customer record by phone number.",
		Parameters: ObjectSchema(map[string]any{
			"phone": StringProp("Customer phone number."),
		}, "phone"),
		Category:         CategoryInfo,
		RequiresResponse: true,
		Handler: func(ctx context.Context, args map[string]any) Result {
			data, err := deps.LookupCustomer(ctx, stringArg(args, "phone"))
			if err != nil {
				return Fail("lookup failed: %v", err)
			}
			return Ok(data)
		},
	}
}

func newCheckAppointment(deps Deps) *Tool {
	return &Tool{
		Name:        "check_appointment",
		Description: "Check upcoming appointments for a customer.",
		Parameters: ObjectSchema(map[string]any{
			"customer": StringProp("Customer name or identifier."),
		}, "customer"),
		Category:         CategoryInfo,
		RequiresResponse: true,
		Handler: func(ctx context.Context, args map[string]any) Result {
			data, err := deps.CheckAppointment(ctx, stringArg(args, "customer"))
			if err != nil {
				return Fail("appointment check failed: %v", err)
			}
			return Ok(data)
		},
	}
}

func newBusinessInfo(deps Deps) *Tool {
	return &Tool{
		Name:             "get_business_info",
		Description:      "Return the business address, hours, and general information.",
		Parameters:       ObjectSchema(nil),
		Category:         CategoryInfo,
		RequiresResponse: true,
		Handler: func(ctx context.Context, args map[string]any) Result {
			return Ok(map[string]any{"info": deps.BusinessInfo()})
		},
	}
}

// TransferCall generates the tenant-specific transfer tool from the transfer
// rules: the destination enum lists every destination name so the model
// picks from real targets instead of inventing them.
func TransferCall(rules *config.TransferRules, deps Deps) *Tool {
	if rules == nil || len(rules.Destinations) == 0 {
		return nil
	}

	names := make([]string, 0, len(rules.Destinations))
	var desc strings.Builder
	desc.WriteString("Transfer the caller to one of the configured destinations: ")
	for i, d := range rules.Destinations {
		names = append(names, d.Name)
		if i > 0 {
			desc.WriteString("; ")
		}
		desc.WriteString(d.Name)
		if len(d.Aliases) > 0 {
			fmt.Fprintf(&desc, " (also: %s)", strings.Join(d.Aliases, ", "))
		}
	}
	desc.WriteString(".")

	return &Tool{
		Name:        "transfer_call",
		Description: desc.String(),
		Parameters: ObjectSchema(map[string]any{
			"destination": EnumProp("Destination to transfer to.", names...),
			"caller_name": StringProp("Name of the caller. Ask for it before transferring."),
			"reason":      StringProp("Short reason for the transfer."),
		}, "destination", "caller_name"),
		Category: CategoryTransfer,
		Fillers:  []string{"Um momento, vou transferir sua ligação."},
		Handler: func(ctx context.Context, args map[string]any) Result {
			req := HandoffRequest{
				Destination: stringArg(args, "destination"),
				CallerName:  stringArg(args, "caller_name"),
				Reason:      stringArg(args, "reason"),
			}
			if deps.Handoff == nil {
				return Fail("transfers are not available")
			}
			if err := deps.Handoff(ctx, req); err != nil {
				return Fail("transfer failed: %v", err)
			}
			return Result{
				Success:     true,
				Data:        map[string]any{"destination": req.Destination},
				SideEffects: []SideEffect{EffectHandoff},
			}
		},
	}
}

// AcceptTransfer and RejectTransfer are only registered on the auxiliary
// session that announces a transfer to the attendant.

func AcceptTransfer(accept func()) *Tool {
	return &Tool{
		Name:        "accept_transfer",
		Description: "Accept the incoming transfer and connect the caller now.",
		Parameters:  ObjectSchema(nil),
		Category:    CategoryTransfer,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if accept != nil {
				accept()
			}
			return Result{Success: true, SideEffects: []SideEffect{EffectAccept}}
		},
	}
}

func RejectTransfer(reject func(reason string)) *Tool {
	return &Tool{
		Name:        "reject_transfer",
		Description: "Decline the incoming transfer. The assistant will take a message instead.",
		Parameters: ObjectSchema(map[string]any{
			"reason": StringProp("Why the transfer is declined."),
		}),
		Category: CategoryTransfer,
		Handler: func(ctx context.Context, args map[string]any) Result {
			if reject != nil {
				reject(stringArg(args, "reason"))
			}
			return Result{Success: true, SideEffects: []SideEffect{EffectReject}}
		},
	}
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}
