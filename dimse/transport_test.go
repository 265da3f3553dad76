package dimse

import (
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"testing"

	dterrors "github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/pdu"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// pipeConn satisfies Connection with independent read and write buffers.
type pipeConn struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.out.Write(p) }

// writePDV frames data as a single-PDV P-DATA-TF PDU into the read buffer.
func (c *pipeConn) writePDV(contextID byte, control byte, data []byte) {
	pdv := make([]byte, 0, len(data)+6)
	pdv = binary.BigEndian.AppendUint32(pdv, uint32(len(data)+2))
	pdv = append(pdv, contextID, control)
	pdv = append(pdv, data...)

	header := make([]byte, 0, 6)
	header = append(header, pdu.TypePDataTF, 0x00)
	header = binary.BigEndian.AppendUint32(header, uint32(len(pdv)))

	c.in.Write(header)
	c.in.Write(pdv)
}

// readPDUs splits the write buffer into (type, payload) pairs.
func readPDUs(t *testing.T, raw []byte) []struct {
	pduType byte
	payload []byte
} {
	t.Helper()

	var out []struct {
		pduType byte
		payload []byte
	}
	for len(raw) > 0 {
		if len(raw) < 6 {
			t.Fatalf("truncated PDU header, %d bytes left", len(raw))
		}
		length := binary.BigEndian.Uint32(raw[2:6])
		if len(raw) < 6+int(length) {
			t.Fatalf("truncated PDU payload")
		}
		out = append(out, struct {
			pduType byte
			payload []byte
		}{raw[0], raw[6 : 6+length]})
		raw = raw[6+length:]
	}
	return out
}

func TestSendPDataTF_Fragmentation(t *testing.T) {
	conn := &pipeConn{}

	// 500 bytes against a 200-byte PDU cap leaves 188 bytes of payload per
	// fragment, so three PDUs go out.
	data := bytes.Repeat([]byte{0xAB}, 500)
	if err := SendPDataTF(conn, 3, 200, data, false, true); err != nil {
		t.Fatalf("SendPDataTF failed: %v", err)
	}

	pdus := readPDUs(t, conn.out.Bytes())
	if len(pdus) != 3 {
		t.Fatalf("expected 3 P-DATA-TF PDUs, got %d", len(pdus))
	}

	var total int
	for i, p := range pdus {
		if p.pduType != pdu.TypePDataTF {
			t.Errorf("PDU %d: type 0x%02x, want P-DATA-TF", i, p.pduType)
		}
		if len(p.payload) > 200-6 {
			t.Errorf("PDU %d: payload %d bytes exceeds the negotiated cap", i, len(p.payload))
		}

		ctxID := p.payload[4]
		ctrl := p.payload[5]
		if ctxID != 3 {
			t.Errorf("PDU %d: presentation context %d, want 3", i, ctxID)
		}
		if ctrl&pdvCommand != 0 {
			t.Errorf("PDU %d: command bit set on dataset fragment", i)
		}

		last := i == len(pdus)-1
		if got := ctrl&pdvLastFragment != 0; got != last {
			t.Errorf("PDU %d: last-fragment bit %v, want %v", i, got, last)
		}

		total += len(p.payload) - 6
	}
	if total != len(data) {
		t.Errorf("fragments carry %d bytes, want %d", total, len(data))
	}
}

func TestSendPDataTF_SingleFragmentCommand(t *testing.T) {
	conn := &pipeConn{}

	if err := SendPDataTF(conn, 1, 16384, []byte{0x01, 0x02}, true, true); err != nil {
		t.Fatalf("SendPDataTF failed: %v", err)
	}

	pdus := readPDUs(t, conn.out.Bytes())
	if len(pdus) != 1 {
		t.Fatalf("expected 1 PDU, got %d", len(pdus))
	}
	if ctrl := pdus[0].payload[5]; ctrl != pdvCommand|pdvLastFragment {
		t.Errorf("control header 0x%02x, want command + last fragment", ctrl)
	}
}

func TestReceiveDIMSEMessage_CommandAndFragmentedDataset(t *testing.T) {
	conn := &pipeConn{}

	commandData, err := EncodeCommand(&types.Message{
		CommandField:           CStoreRQ,
		MessageID:              10,
		CommandDataSetType:     0x0000,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4",
	})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}

	conn.writePDV(5, pdvCommand|pdvLastFragment, commandData)
	conn.writePDV(5, 0x00, []byte("first-"))
	conn.writePDV(5, pdvLastFragment, []byte("second"))

	msg, dataset, ctxID, err := ReceiveDIMSEMessageCtx(conn)
	if err != nil {
		t.Fatalf("ReceiveDIMSEMessageCtx failed: %v", err)
	}
	if msg.CommandField != CStoreRQ {
		t.Errorf("command field 0x%04x, want C-STORE-RQ", msg.CommandField)
	}
	if ctxID != 5 {
		t.Errorf("presentation context %d, want 5", ctxID)
	}
	if string(dataset) != "first-second" {
		t.Errorf("dataset %q, want fragments joined in order", dataset)
	}
}

func TestReceiveDIMSEMessage_NoDataset(t *testing.T) {
	conn := &pipeConn{}

	commandData, err := EncodeCommand(&types.Message{
		CommandField:        CEchoRQ,
		MessageID:           1,
		CommandDataSetType:  types.CommandDataSetNull,
		AffectedSOPClassUID: types.VerificationSOPClass,
	})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	conn.writePDV(1, pdvCommand|pdvLastFragment, commandData)

	msg, dataset, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		t.Fatalf("ReceiveDIMSEMessage failed: %v", err)
	}
	if msg.CommandField != CEchoRQ {
		t.Errorf("command field 0x%04x, want C-ECHO-RQ", msg.CommandField)
	}
	if len(dataset) != 0 {
		t.Errorf("unexpected dataset of %d bytes", len(dataset))
	}
}

func TestReceiveDIMSEMessage_Abort(t *testing.T) {
	conn := &pipeConn{}
	conn.in.Write([]byte{pdu.TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04})
	conn.in.Write([]byte{0x00, 0x00, 0x02, 0x05})

	_, _, err := ReceiveDIMSEMessage(conn)
	if err == nil {
		t.Fatal("expected error for A-ABORT")
	}

	var abortErr *dterrors.AbortError
	if !stderrors.As(err, &abortErr) {
		t.Fatalf("expected AbortError, got %T", err)
	}
	if abortErr.Source != 0x02 || abortErr.Reason != 0x05 {
		t.Errorf("abort source/reason = 0x%02x/0x%02x, want 0x02/0x05", abortErr.Source, abortErr.Reason)
	}
}

func TestReceiveDIMSEMessage_UnexpectedPDUType(t *testing.T) {
	conn := &pipeConn{}
	conn.in.Write([]byte{pdu.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04})
	conn.in.Write([]byte{0x00, 0x00, 0x00, 0x00})

	if _, _, err := ReceiveDIMSEMessage(conn); err == nil {
		t.Fatal("expected error for unexpected PDU type")
	}
}

func TestReceiveDIMSEMessage_MalformedPDV(t *testing.T) {
	conn := &pipeConn{}

	// PDV length claims more bytes than the PDU payload holds.
	payload := []byte{0x00, 0x00, 0x01, 0x00, 0x01, 0x03}
	header := make([]byte, 0, 6)
	header = append(header, pdu.TypePDataTF, 0x00)
	header = binary.BigEndian.AppendUint32(header, uint32(len(payload)))
	conn.in.Write(header)
	conn.in.Write(payload)

	if _, _, err := ReceiveDIMSEMessage(conn); err == nil {
		t.Fatal("expected error for oversized PDV length")
	}
}
