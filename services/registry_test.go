package services

import (
	"context"
	"errors"
	"testing"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/interfaces"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// stubHandler answers every message with a fixed response or error.
type stubHandler struct {
	response *types.Message
	dataset  []byte
	err      error
}

func (h *stubHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	if h.err != nil {
		return nil, nil, h.err
	}
	if h.response != nil {
		return h.response, h.dataset, nil
	}
	return &types.Message{
		CommandField:              msg.CommandField | 0x8000,
		MessageIDBeingRespondedTo: msg.MessageID,
		Status:                    types.StatusSuccess,
	}, h.dataset, nil
}

// stubStreamingHandler additionally implements the streaming interface.
type stubStreamingHandler struct {
	stubHandler
	stream func(ctx context.Context, msg *types.Message, responder interfaces.ResponseSender) error
}

func (h *stubStreamingHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	return h.stream(ctx, msg, responder)
}

// captureResponder records everything sent through it.
type captureResponder struct {
	responses []*types.Message
	datasets  [][]byte
}

func (c *captureResponder) SendResponse(msg *types.Message, data []byte) error {
	c.responses = append(c.responses, msg)
	c.datasets = append(c.datasets, data)
	return nil
}

func testMeta() interfaces.MessageContext {
	return interfaces.MessageContext{
		PresentationContextID: 1,
		TransferSyntaxUID:     dicom.TransferSyntaxExplicitVRLittleEndian,
	}
}

func sampleDataset(t *testing.T) []byte {
	t.Helper()
	dataset := dicom.NewDataset()
	dataset.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0018}, dicom.VR_UI, "1.2.3.4.5")
	encoded, err := dicom.EncodeDatasetWithTransferSyntax(dataset, dicom.TransferSyntaxExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Failed to encode dataset: %v", err)
	}
	return encoded
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	registry := NewRegistry()
	handler := &stubHandler{}

	registry.RegisterHandler(dimse.CEchoRQ, handler)
	if !registry.HasHandler(dimse.CEchoRQ) {
		t.Error("C-ECHO handler not registered")
	}
	if registry.HasHandler(dimse.CFindRQ) {
		t.Error("C-FIND handler registered without being added")
	}

	registry.UnregisterHandler(dimse.CEchoRQ)
	if registry.HasHandler(dimse.CEchoRQ) {
		t.Error("C-ECHO handler still present after unregister")
	}
}

func TestRegistry_RegisterReplacesHandler(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, &stubHandler{response: &types.Message{Status: 1}})
	registry.RegisterHandler(dimse.CEchoRQ, &stubHandler{response: &types.Message{Status: 2}})

	resp, _, err := registry.HandleDIMSE(context.Background(),
		&types.Message{CommandField: dimse.CEchoRQ, MessageID: 1}, nil, testMeta())
	if err != nil {
		t.Fatalf("HandleDIMSE() error = %v", err)
	}
	if resp.Status != 2 {
		t.Errorf("Status = %d, second registration should win", resp.Status)
	}
}

func TestRegistry_HandleDIMSE(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, &stubHandler{})

	resp, dataset, err := registry.HandleDIMSE(context.Background(),
		&types.Message{CommandField: dimse.CEchoRQ, MessageID: 42}, nil, testMeta())
	if err != nil {
		t.Fatalf("HandleDIMSE() error = %v", err)
	}
	if resp.CommandField != dimse.CEchoRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, dimse.CEchoRSP)
	}
	if resp.MessageIDBeingRespondedTo != 42 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 42", resp.MessageIDBeingRespondedTo)
	}
	if dataset != nil {
		t.Error("unexpected dataset in response")
	}
}

func TestRegistry_HandleDIMSE_UnsupportedCommand(t *testing.T) {
	registry := NewRegistry()

	_, _, err := registry.HandleDIMSE(context.Background(),
		&types.Message{CommandField: dimse.CMoveRQ, MessageID: 1}, nil, testMeta())
	if err == nil {
		t.Error("expected error for command without a handler")
	}
}

func TestRegistry_HandleDIMSE_HandlerError(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("backend unavailable")
	registry.RegisterHandler(dimse.CEchoRQ, &stubHandler{err: wantErr})

	_, _, err := registry.HandleDIMSE(context.Background(),
		&types.Message{CommandField: dimse.CEchoRQ, MessageID: 1}, nil, testMeta())
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want handler error to pass through", err)
	}
}

func TestRegistry_Streaming(t *testing.T) {
	registry := NewRegistry()
	handler := &stubStreamingHandler{
		stream: func(ctx context.Context, msg *types.Message, responder interfaces.ResponseSender) error {
			for i := 0; i < 3; i++ {
				if err := responder.SendResponse(&types.Message{
					CommandField:              dimse.CFindRSP,
					MessageIDBeingRespondedTo: msg.MessageID,
					Status:                    dimse.StatusPending,
				}, nil); err != nil {
					return err
				}
			}
			return responder.SendResponse(&types.Message{
				CommandField:              dimse.CFindRSP,
				MessageIDBeingRespondedTo: msg.MessageID,
				Status:                    dimse.StatusSuccess,
			}, nil)
		},
	}
	registry.RegisterHandler(dimse.CFindRQ, handler)

	responder := &captureResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(),
		&types.Message{CommandField: dimse.CFindRQ, MessageID: 1}, nil, testMeta(), responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming() error = %v", err)
	}

	if len(responder.responses) != 4 {
		t.Fatalf("responses = %d, want 3 pending + 1 final", len(responder.responses))
	}
	for i := 0; i < 3; i++ {
		if responder.responses[i].Status != dimse.StatusPending {
			t.Errorf("response %d status = 0x%04x, want pending", i, responder.responses[i].Status)
		}
	}
	if responder.responses[3].Status != dimse.StatusSuccess {
		t.Errorf("final status = 0x%04x, want success", responder.responses[3].Status)
	}
}

func TestRegistry_StreamingFallsBackToSingleResponse(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterHandler(dimse.CEchoRQ, &stubHandler{dataset: sampleDataset(t)})

	responder := &captureResponder{}
	err := registry.HandleDIMSEStreaming(context.Background(),
		&types.Message{CommandField: dimse.CEchoRQ, MessageID: 1}, nil, testMeta(), responder)
	if err != nil {
		t.Fatalf("HandleDIMSEStreaming() error = %v", err)
	}

	if len(responder.responses) != 1 {
		t.Fatalf("responses = %d, want the single fallback response", len(responder.responses))
	}
	parsed, err := dicom.ParseDatasetWithTransferSyntax(responder.datasets[0], dicom.TransferSyntaxExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Failed to parse response dataset: %v", err)
	}
	if value := parsed.GetString(dicom.Tag{Group: 0x0008, Element: 0x0018}); value != "1.2.3.4.5" {
		t.Errorf("SOP Instance UID = %q", value)
	}
}

func TestRegistry_StreamingUnsupportedCommand(t *testing.T) {
	registry := NewRegistry()
	err := registry.HandleDIMSEStreaming(context.Background(),
		&types.Message{CommandField: dimse.CGetRQ, MessageID: 1}, nil, testMeta(), &captureResponder{})
	if err == nil {
		t.Error("expected error for command without a handler")
	}
}

func TestRegistry_RegisteredCommands(t *testing.T) {
	registry := NewRegistry()
	handler := &stubHandler{}
	registry.RegisterHandler(dimse.CFindRQ, handler)
	registry.RegisterHandler(dimse.CEchoRQ, handler)
	registry.RegisterHandler(dimse.CStoreRQ, handler)

	commands := registry.RegisteredCommands()
	want := []uint16{dimse.CStoreRQ, dimse.CFindRQ, dimse.CEchoRQ}
	if len(commands) != len(want) {
		t.Fatalf("commands = %v, want %d entries", commands, len(want))
	}
	// Ascending command field order, regardless of registration order.
	for i, cmd := range want {
		if commands[i] != cmd {
			t.Errorf("commands[%d] = 0x%04x, want 0x%04x", i, commands[i], cmd)
		}
	}
}

func TestCreateErrorResponse(t *testing.T) {
	req := &types.Message{
		CommandField:        dimse.CStoreRQ,
		MessageID:           42,
		AffectedSOPClassUID: types.CTImageStorage,
	}

	resp := CreateErrorResponse(req, dimse.StatusFailure)

	if resp.CommandField != dimse.CStoreRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, dimse.CStoreRSP)
	}
	if resp.MessageIDBeingRespondedTo != 42 {
		t.Errorf("MessageIDBeingRespondedTo = %d, want 42", resp.MessageIDBeingRespondedTo)
	}
	if resp.Status != dimse.StatusFailure {
		t.Errorf("Status = 0x%04x, want failure", resp.Status)
	}
	if resp.HasDataset() {
		t.Error("error response announces a dataset")
	}
	if resp.AffectedSOPClassUID != req.AffectedSOPClassUID {
		t.Errorf("AffectedSOPClassUID = %q, want request's", resp.AffectedSOPClassUID)
	}
}
