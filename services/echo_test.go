package services

import (
	"context"
	"testing"

	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

func TestEchoService_HandleDIMSE(t *testing.T) {
	service := NewEchoService()

	for _, messageID := range []uint16{1, 42, 65535} {
		request := &types.Message{
			CommandField:        dimse.CEchoRQ,
			MessageID:           messageID,
			AffectedSOPClassUID: types.VerificationSOPClass,
			CommandDataSetType:  types.CommandDataSetNull,
		}

		respMsg, respData, err := service.HandleDIMSE(context.Background(), request, nil, testMeta())
		if err != nil {
			t.Fatalf("HandleDIMSE() error = %v", err)
		}
		if respData != nil {
			t.Error("C-ECHO response should carry no dataset")
		}

		if respMsg.CommandField != dimse.CEchoRSP {
			t.Errorf("CommandField = 0x%04x, want 0x%04x", respMsg.CommandField, dimse.CEchoRSP)
		}
		if respMsg.Status != types.StatusSuccess {
			t.Errorf("Status = 0x%04x, want success", respMsg.Status)
		}
		if respMsg.MessageIDBeingRespondedTo != messageID {
			t.Errorf("MessageIDBeingRespondedTo = %d, want %d",
				respMsg.MessageIDBeingRespondedTo, messageID)
		}
		if respMsg.AffectedSOPClassUID != types.VerificationSOPClass {
			t.Errorf("AffectedSOPClassUID = %q", respMsg.AffectedSOPClassUID)
		}
		if respMsg.HasDataset() {
			t.Error("response command announces a dataset")
		}
	}
}

func TestEchoService_HealthCheck(t *testing.T) {
	service := NewEchoService()

	if err := service.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	// Echo has no dependencies, so even a cancelled context stays healthy.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := service.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() with cancelled context error = %v, want nil", err)
	}
}
