package types

import "testing"

func TestDIMSECommandConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant uint16
		expected uint16
	}{
		{"C-STORE-RQ", CStoreRQ, 0x0001},
		{"C-STORE-RSP", CStoreRSP, 0x8001},
		{"C-GET-RQ", CGetRQ, 0x0010},
		{"C-GET-RSP", CGetRSP, 0x8010},
		{"C-FIND-RQ", CFindRQ, 0x0020},
		{"C-FIND-RSP", CFindRSP, 0x8020},
		{"C-MOVE-RQ", CMoveRQ, 0x0021},
		{"C-MOVE-RSP", CMoveRSP, 0x8021},
		{"C-ECHO-RQ", CEchoRQ, 0x0030},
		{"C-ECHO-RSP", CEchoRSP, 0x8030},
		{"C-CANCEL-RQ", CCancelRQ, 0x0FFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("%s = 0x%04x, want 0x%04x", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

func TestDIMSEStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant uint16
		expected uint16
	}{
		{"Success", StatusSuccess, 0x0000},
		{"Pending", StatusPending, 0xFF00},
		{"Cancel", StatusCancel, 0xFE00},
		{"Failure", StatusFailure, 0xC000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("Status%s = 0x%04x, want 0x%04x", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

func TestIsWarningStatus(t *testing.T) {
	tests := []struct {
		name   string
		status uint16
		want   bool
	}{
		{"success", StatusSuccess, false},
		{"pending", StatusPending, false},
		{"failure", StatusFailure, false},
		{"coercion of data elements", 0xB000, true},
		{"elements discarded", 0xB006, true},
		{"sub-operations with warnings", 0xB000 | 0x0101, true},
		{"refused out of resources", 0xA702, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsWarningStatus(tt.status); got != tt.want {
				t.Errorf("IsWarningStatus(0x%04x) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestMessage_IsResponse(t *testing.T) {
	tests := []struct {
		name         string
		commandField uint16
		want         bool
	}{
		{"C-FIND-RQ", CFindRQ, false},
		{"C-FIND-RSP", CFindRSP, true},
		{"C-ECHO-RQ", CEchoRQ, false},
		{"C-ECHO-RSP", CEchoRSP, true},
		{"C-STORE-RQ", CStoreRQ, false},
		{"C-STORE-RSP", CStoreRSP, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{CommandField: tt.commandField}
			if got := msg.IsResponse(); got != tt.want {
				t.Errorf("IsResponse() with command 0x%04x = %v, want %v",
					tt.commandField, got, tt.want)
			}
		})
	}
}

func TestMessage_HasDataset(t *testing.T) {
	tests := []struct {
		name        string
		dataSetType uint16
		want        bool
	}{
		{"null dataset", CommandDataSetNull, false},
		{"dataset present", 0x0000, true},
		{"dataset present nonzero", 0x0001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{CommandDataSetType: tt.dataSetType}
			if got := msg.HasDataset(); got != tt.want {
				t.Errorf("HasDataset() with type 0x%04x = %v, want %v",
					tt.dataSetType, got, tt.want)
			}
		})
	}
}
