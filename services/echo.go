// Package services provides reusable DICOM service implementations that can
// be registered with a receiving server: verification, storage and the
// routing registry that dispatches between them.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/dicomtransfer/interfaces"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// EchoService answers C-ECHO verification requests, the DICOM equivalent of
// a ping. It is stateless.
type EchoService struct{}

// NewEchoService creates a C-ECHO service instance.
func NewEchoService() *EchoService {
	return &EchoService{}
}

// HandleDIMSE answers a C-ECHO-RQ with a success response.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	slog.DebugContext(ctx, "Processing C-ECHO request",
		"message_id", msg.MessageID,
		"calling_ae", meta.CallingAETitle)

	response := NewCEchoResponse(msg, types.StatusSuccess)

	slog.InfoContext(ctx, "C-ECHO request successful",
		"message_id", msg.MessageID)

	return response, nil, nil
}

// HealthCheck reports the service as operational. Echo has no dependencies
// that could fail.
func (s *EchoService) HealthCheck(ctx context.Context) error {
	return nil
}
