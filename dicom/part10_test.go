package dicom

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// part10File assembles a Part 10 file by hand: preamble, DICM prefix, the
// given meta elements, then the dataset bytes.
func part10File(meta []byte, dataset []byte) []byte {
	out := make([]byte, 128)
	out = append(out, []byte("DICM")...)
	out = append(out, meta...)
	return append(out, dataset...)
}

// metaUI encodes one group 0002 UI element in Explicit VR LE.
func metaUI(element uint16, value string) []byte {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	buf := []byte{0x02, 0x00, byte(element), byte(element >> 8), 'U', 'I'}
	buf = append(buf, byte(len(value)), byte(len(value)>>8))
	return append(buf, value...)
}

func TestStripPart10Header(t *testing.T) {
	dataset := explicitElement(0x0010, 0x0020, "LO", "PAT001")

	t.Run("valid file", func(t *testing.T) {
		file := part10File(metaUI(0x0010, types.ExplicitVRLittleEndian), dataset)

		got, err := StripPart10Header(file)
		if err != nil {
			t.Fatalf("StripPart10Header() error: %v", err)
		}
		if !bytes.Equal(got, dataset) {
			t.Errorf("stripped dataset = %v, want %v", got, dataset)
		}
	})

	t.Run("reports transfer syntax", func(t *testing.T) {
		// UI values get null padded to even length; the padding must not
		// survive into the reported UID.
		file := part10File(metaUI(0x0010, types.ImplicitVRLittleEndian), dataset)

		_, transferSyntax, err := StripPart10HeaderWithTransferSyntax(file)
		if err != nil {
			t.Fatalf("StripPart10HeaderWithTransferSyntax() error: %v", err)
		}
		if transferSyntax != types.ImplicitVRLittleEndian {
			t.Errorf("transfer syntax = %q, want %q", transferSyntax, types.ImplicitVRLittleEndian)
		}
	})

	t.Run("multiple meta elements", func(t *testing.T) {
		meta := metaUI(0x0002, "1.2.840.10008.5.1.4.1.1.2")
		meta = append(meta, metaUI(0x0003, "1.2.3.4.5")...)
		meta = append(meta, metaUI(0x0010, types.ExplicitVRLittleEndian)...)
		file := part10File(meta, dataset)

		got, err := StripPart10Header(file)
		if err != nil {
			t.Fatalf("StripPart10Header() error: %v", err)
		}
		if !bytes.Equal(got, dataset) {
			t.Errorf("stripped dataset = %v, want %v", got, dataset)
		}
	})

	t.Run("long VR meta element", func(t *testing.T) {
		// OB elements in the meta group carry a 32-bit length field.
		value := []byte{0x00, 0x01}
		long := []byte{0x02, 0x00, 0x01, 0x00, 'O', 'B', 0x00, 0x00}
		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(value)))
		long = append(long, lengthBytes...)
		long = append(long, value...)

		meta := append(long, metaUI(0x0010, types.ExplicitVRLittleEndian)...)
		file := part10File(meta, dataset)

		got, err := StripPart10Header(file)
		if err != nil {
			t.Fatalf("StripPart10Header() error: %v", err)
		}
		if !bytes.Equal(got, dataset) {
			t.Errorf("stripped dataset = %v, want %v", got, dataset)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := StripPart10Header(make([]byte, 100)); err == nil {
			t.Error("want error for data shorter than preamble")
		}
	})

	t.Run("missing DICM prefix", func(t *testing.T) {
		file := make([]byte, 140)
		copy(file[128:], "NOPE")
		if _, err := StripPart10Header(file); err == nil {
			t.Error("want error when DICM prefix is absent")
		}
	})

	t.Run("no dataset after meta", func(t *testing.T) {
		file := part10File(metaUI(0x0010, types.ExplicitVRLittleEndian), nil)
		if _, err := StripPart10Header(file); err == nil {
			t.Error("want error when the meta group is not followed by a dataset")
		}
	})
}

func TestBuildPart10File(t *testing.T) {
	dataset := explicitElement(0x0010, 0x0010, "PN", "Doe^Jane")
	file := BuildPart10File(dataset,
		"1.2.840.10008.5.1.4.1.1.4", "1.2.3.4.5.6", types.ExplicitVRLittleEndian)

	if !HasPart10Header(file) {
		t.Fatal("built file should carry a Part 10 header")
	}

	stripped, transferSyntax, err := StripPart10HeaderWithTransferSyntax(file)
	if err != nil {
		t.Fatalf("round trip strip error: %v", err)
	}
	if transferSyntax != types.ExplicitVRLittleEndian {
		t.Errorf("transfer syntax = %q, want %q", transferSyntax, types.ExplicitVRLittleEndian)
	}
	if !bytes.Equal(stripped, dataset) {
		t.Errorf("round trip dataset = %v, want %v", stripped, dataset)
	}
}

func TestHasPart10Header(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"valid header", part10File(nil, []byte{0x08, 0x00}), true},
		{"too short", make([]byte, 64), false},
		{"wrong prefix", make([]byte, 132), false},
		{"raw dataset", explicitElement(0x0010, 0x0020, "LO", "PAT001"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPart10Header(tt.data); got != tt.want {
				t.Errorf("HasPart10Header() = %v, want %v", got, tt.want)
			}
		})
	}
}
