package dimse

import (
	"encoding/binary"
	"fmt"
	"io"

	dterrors "github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/pdu"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Connection is the transport a DIMSE exchange runs over, normally a TCP
// connection with the association already negotiated.
type Connection interface {
	io.ReadWriter
}

// PDV message control header bits.
const (
	pdvCommand      = 0x01
	pdvLastFragment = 0x02
)

// SendDIMSEMessage writes a command set and, when present, its dataset as
// P-DATA-TF PDUs on the given presentation context.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := SendPDataTF(conn, presContextID, maxPDULength, commandData, true, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		return SendPDataTF(conn, presContextID, maxPDULength, datasetData, false, true)
	}
	return nil
}

// SendPDataTF fragments data into P-DATA-TF PDUs that respect the peer's
// maximum PDU length, one PDV per PDU. Only the final fragment carries the
// last-fragment bit, and only when isLast is set.
func SendPDataTF(conn Connection, presContextID byte, maxPDULength uint32, data []byte, isCommand bool, isLast bool) error {
	// Room left for the fragment after the 6-byte PDU header and the
	// 6-byte PDV header.
	maxFragment := int(maxPDULength) - 12

	for offset := 0; offset < len(data); {
		fragment := data[offset:]
		lastFragment := true
		if len(fragment) > maxFragment {
			fragment = fragment[:maxFragment]
			lastFragment = false
		}

		var control byte
		if isCommand {
			control |= pdvCommand
		}
		if lastFragment && isLast {
			control |= pdvLastFragment
		}

		// PDU header, PDV header and fragment go out in one write.
		pduLength := uint32(len(fragment) + 6)
		buf := make([]byte, 0, 6+pduLength)
		buf = append(buf, pdu.TypePDataTF, 0x00)
		buf = binary.BigEndian.AppendUint32(buf, pduLength)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(fragment)+2))
		buf = append(buf, presContextID, control)
		buf = append(buf, fragment...)

		if _, err := conn.Write(buf); err != nil {
			return fmt.Errorf("failed to write PDU: %w", err)
		}

		offset += len(fragment)
	}

	return nil
}

// messageAssembly accumulates command and dataset fragments until a complete
// DIMSE message has arrived.
type messageAssembly struct {
	commandData  []byte
	datasetData  []byte
	presContext  byte
	msg          *types.Message
	needsDataset bool
	datasetDone  bool
}

// ingest consumes one PDV. It reports an error only when the completed
// command set cannot be decoded.
func (a *messageAssembly) ingest(presContextID byte, control byte, value []byte) error {
	a.presContext = presContextID
	isCommand := control&pdvCommand != 0
	isLast := control&pdvLastFragment != 0

	if !isCommand {
		a.datasetData = append(a.datasetData, value...)
		if isLast {
			a.datasetDone = true
		}
		return nil
	}

	a.commandData = append(a.commandData, value...)
	if !isLast {
		return nil
	}

	msg, err := DecodeCommand(a.commandData)
	if err != nil {
		return fmt.Errorf("failed to decode command: %w", err)
	}
	a.msg = msg
	a.needsDataset = msg.HasDataset()
	if a.needsDataset {
		// A dataset PDV may already have arrived ahead of the command.
		a.datasetDone = len(a.datasetData) > 0 && a.datasetDone
	}
	return nil
}

func (a *messageAssembly) complete() bool {
	return a.msg != nil && (!a.needsDataset || a.datasetDone)
}

// ReceiveDIMSEMessage reads a complete DIMSE message (command and optional dataset)
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	msg, data, _, err := ReceiveDIMSEMessageCtx(conn)
	return msg, data, err
}

// ReceiveDIMSEMessageCtx reads a complete DIMSE message and additionally
// returns the presentation context ID the command arrived on. Callers that
// answer on the same context (e.g. inbound C-STORE during a C-GET) need it to
// pick the negotiated transfer syntax.
func ReceiveDIMSEMessageCtx(conn Connection) (*types.Message, []byte, byte, error) {
	var assembly messageAssembly

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(conn, header); err != nil {
			return nil, nil, 0, fmt.Errorf("failed to read PDU header: %w", err)
		}

		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])

		payload := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, nil, 0, fmt.Errorf("failed to read PDU payload: %w", err)
		}

		switch pduType {
		case pdu.TypePDataTF:
			offset := 0
			for offset < len(payload) {
				if offset+6 > len(payload) {
					return nil, nil, 0, fmt.Errorf("malformed PDV encountered")
				}
				pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(payload) {
					return nil, nil, 0, fmt.Errorf("PDV length exceeds PDU payload")
				}

				if err := assembly.ingest(payload[offset+4], payload[offset+5], payload[offset+6:end]); err != nil {
					return nil, nil, 0, err
				}
				offset = end
			}

		case pdu.TypeAbort:
			var source, reason byte
			if len(payload) >= 4 {
				source = payload[2]
				reason = payload[3]
			}
			return nil, nil, 0, dterrors.NewAbortError(source, reason)

		default:
			// Payload already drained, the stream stays aligned for the caller.
			return nil, nil, 0, fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
		}

		if assembly.complete() {
			return assembly.msg, assembly.datasetData, assembly.presContext, nil
		}
	}
}
