package dimse

import (
	"encoding/binary"
	"strings"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Command group element tags (group 0x0000).
const (
	tagCommandGroupLength    = 0x0000
	tagAffectedSOPClassUID   = 0x0002
	tagRequestedSOPClassUID  = 0x0003
	tagCommandField          = 0x0100
	tagMessageID             = 0x0110
	tagMessageIDRespondedTo  = 0x0120
	tagMoveDestination       = 0x0600
	tagPriority              = 0x0700
	tagCommandDataSetType    = 0x0800
	tagStatus                = 0x0900
	tagAffectedSOPInstance   = 0x1000
	tagRemainingSuboperation = 0x1020
	tagCompletedSuboperation = 0x1021
	tagFailedSuboperation    = 0x1022
	tagWarningSuboperation   = 0x1023
)

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// appendUIDElement appends a command element holding a UID or AE title,
// padded to even length with the given pad byte. UIDs pad with NUL, AE
// titles with space.
func appendUIDElement(buf []byte, element uint16, value string, pad byte) []byte {
	v := []byte(value)
	if len(v)%2 == 1 {
		v = append(v, pad)
	}
	return AppendImplicitElement(buf, 0x0000, element, v)
}

// appendUSElement appends a two-byte unsigned command element.
func appendUSElement(buf []byte, element uint16, value uint16) []byte {
	return AppendImplicitElement(buf, 0x0000, element, binary.LittleEndian.AppendUint16(nil, value))
}

// EncodeCommand encodes a DIMSE command set in Implicit VR Little Endian.
// The command group length element is fixed up once all elements are in.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	buf = AppendImplicitElement(buf, 0x0000, tagCommandGroupLength, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendUIDElement(buf, tagAffectedSOPClassUID, msg.AffectedSOPClassUID, 0x00)
	}
	if msg.RequestedSOPClassUID != "" {
		buf = appendUIDElement(buf, tagRequestedSOPClassUID, msg.RequestedSOPClassUID, 0x00)
	}

	buf = appendUSElement(buf, tagCommandField, msg.CommandField)

	if msg.MessageID != 0 {
		buf = appendUSElement(buf, tagMessageID, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendUSElement(buf, tagMessageIDRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	if msg.MoveDestination != "" {
		buf = appendUIDElement(buf, tagMoveDestination, msg.MoveDestination, 0x20)
	}
	if msg.Priority != 0 {
		buf = appendUSElement(buf, tagPriority, msg.Priority)
	}

	buf = appendUSElement(buf, tagCommandDataSetType, msg.CommandDataSetType)

	// Responses always carry a status element, even on success.
	if msg.IsResponse() || msg.Status != 0 {
		buf = appendUSElement(buf, tagStatus, msg.Status)
	}

	if msg.AffectedSOPInstanceUID != "" {
		buf = appendUIDElement(buf, tagAffectedSOPInstance, msg.AffectedSOPInstanceUID, 0x00)
	}

	// Sub-operation counters, present on C-MOVE and C-GET responses.
	for _, c := range []struct {
		element uint16
		value   *uint16
	}{
		{tagRemainingSuboperation, msg.NumberOfRemainingSuboperations},
		{tagCompletedSuboperation, msg.NumberOfCompletedSuboperations},
		{tagFailedSuboperation, msg.NumberOfFailedSuboperations},
		{tagWarningSuboperation, msg.NumberOfWarningSuboperations},
	} {
		if c.value != nil {
			buf = appendUSElement(buf, c.element, *c.value)
		}
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// DecodeCommand decodes a DIMSE command set. Unknown elements are skipped;
// a truncated trailing element ends the walk. A command with no
// CommandDataSetType element defaults to "no dataset".
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: types.CommandDataSetNull,
	}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}
		value := data[offset+8 : offset+8+int(length)]
		offset += 8 + int(length)

		if group != 0x0000 {
			continue
		}

		switch element {
		case tagAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimUIDValue(value)
		case tagRequestedSOPClassUID:
			msg.RequestedSOPClassUID = trimUIDValue(value)
		case tagCommandField:
			msg.CommandField = decodeUS(value)
		case tagMessageID:
			msg.MessageID = decodeUS(value)
		case tagMessageIDRespondedTo:
			msg.MessageIDBeingRespondedTo = decodeUS(value)
		case tagMoveDestination:
			msg.MoveDestination = trimUIDValue(value)
		case tagPriority:
			msg.Priority = decodeUS(value)
		case tagCommandDataSetType:
			msg.CommandDataSetType = decodeUS(value)
		case tagStatus:
			msg.Status = decodeUS(value)
		case tagAffectedSOPInstance:
			msg.AffectedSOPInstanceUID = trimUIDValue(value)
		case tagRemainingSuboperation:
			msg.NumberOfRemainingSuboperations = decodeUSPtr(value)
		case tagCompletedSuboperation:
			msg.NumberOfCompletedSuboperations = decodeUSPtr(value)
		case tagFailedSuboperation:
			msg.NumberOfFailedSuboperations = decodeUSPtr(value)
		case tagWarningSuboperation:
			msg.NumberOfWarningSuboperations = decodeUSPtr(value)
		}
	}

	return msg, nil
}

func trimUIDValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

func decodeUS(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func decodeUSPtr(value []byte) *uint16 {
	if len(value) < 2 {
		return nil
	}
	v := binary.LittleEndian.Uint16(value[:2])
	return &v
}
