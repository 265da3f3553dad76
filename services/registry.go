package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/caio-sobreiro/dicomtransfer/interfaces"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Registry dispatches incoming DIMSE messages to the handler registered for
// their command field. Registration is expected to happen at startup, before
// the registry is handed to a server; it is not synchronized.
//
//	registry := services.NewRegistry()
//	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService())
//	registry.RegisterHandler(dimse.CStoreRQ, storeService)
type Registry struct {
	handlers map[uint16]interfaces.ServiceHandler
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[uint16]interfaces.ServiceHandler),
	}
}

// RegisterHandler registers a handler for a DIMSE command field. A second
// registration for the same command replaces the first.
func (r *Registry) RegisterHandler(commandField uint16, handler interfaces.ServiceHandler) {
	r.handlers[commandField] = handler
}

// UnregisterHandler removes the handler for a DIMSE command field. Messages
// for that command are then answered with an unsupported-command error.
func (r *Registry) UnregisterHandler(commandField uint16) {
	delete(r.handlers, commandField)
}

func (r *Registry) handlerFor(ctx context.Context, msg *types.Message) (interfaces.ServiceHandler, error) {
	slog.DebugContext(ctx, "Routing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID)

	handler, ok := r.handlers[msg.CommandField]
	if !ok {
		slog.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return nil, fmt.Errorf("unsupported DIMSE command: 0x%04x", msg.CommandField)
	}
	return handler, nil
}

// HandleDIMSE routes a message to its handler and returns the single
// response. Multi-response operations should go through HandleDIMSEStreaming.
func (r *Registry) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	handler, err := r.handlerFor(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	return handler.HandleDIMSE(ctx, msg, data, meta)
}

// HandleDIMSEStreaming routes a message to its handler through the streaming
// interface. Handlers that only implement the single-response interface get
// their one response forwarded through the responder.
func (r *Registry) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	handler, err := r.handlerFor(ctx, msg)
	if err != nil {
		return err
	}

	if streamingHandler, ok := handler.(interfaces.StreamingServiceHandler); ok {
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, data, meta, responder)
	}

	responseMsg, responseData, err := handler.HandleDIMSE(ctx, msg, data, meta)
	if err != nil {
		return err
	}
	return responder.SendResponse(responseMsg, responseData)
}

// HasHandler returns true if a handler is registered for the given command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	_, ok := r.handlers[commandField]
	return ok
}

// RegisteredCommands returns the command fields with registered handlers,
// in ascending order.
func (r *Registry) RegisteredCommands() []uint16 {
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i] < commands[j] })
	return commands
}

// CreateErrorResponse builds the matching error response for a failed
// request: the response command field with the given status and no dataset.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              req.CommandField | 0x8000,
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    status,
	}
}
