package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// A Part 10 file is a 128-byte preamble, the "DICM" prefix, the File Meta
// Information group (0002, always Explicit VR Little Endian) and then the
// dataset in the transfer syntax the meta group names.
const (
	preambleLength = 128
	dicmPrefix     = "DICM"
	metaStart      = preambleLength + len(dicmPrefix)
)

// HasPart10Header reports whether data starts with a preamble and DICM prefix.
func HasPart10Header(data []byte) bool {
	return len(data) >= metaStart && string(data[preambleLength:metaStart]) == dicmPrefix
}

// StripPart10Header drops the preamble and File Meta Information, returning
// the bare dataset as DIMSE operations expect it.
func StripPart10Header(data []byte) ([]byte, error) {
	dataset, _, err := StripPart10HeaderWithTransferSyntax(data)
	return dataset, err
}

// StripPart10HeaderWithTransferSyntax additionally returns the Transfer
// Syntax UID found in the File Meta Information, empty if absent.
func StripPart10HeaderWithTransferSyntax(data []byte) ([]byte, string, error) {
	if len(data) < metaStart {
		return nil, "", fmt.Errorf("data too short to be DICOM Part 10 (need at least %d bytes, got %d)", metaStart, len(data))
	}
	if string(data[preambleLength:metaStart]) != dicmPrefix {
		return nil, "", fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset %d)", preambleLength)
	}

	var transferSyntaxUID string

	// Walk the group 0002 elements; the dataset begins at the first element
	// of any other group.
	offset := metaStart
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])

		var length int
		if longVRs[vr] {
			// 12-byte header: tag, VR, two reserved bytes, 32-bit length.
			if offset+12 > len(data) {
				break
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8 : offset+12]))
			offset += 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			offset += 8
		}

		if offset+length > len(data) {
			break
		}
		if element == 0x0010 {
			transferSyntaxUID = strings.TrimRight(string(data[offset:offset+length]), "\x00 ")
		}
		offset += length
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], transferSyntaxUID, nil
}

// BuildPart10File wraps a bare dataset in a Part 10 file: 128-byte preamble,
// "DICM" prefix and a minimal File Meta Information group. The meta group is
// always Explicit VR Little Endian regardless of the dataset's transfer
// syntax, per the standard. Needed when objects arrive over an association
// (which carries datasets only) and must land on disk as valid files.
func BuildPart10File(dataset []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	meta := make([]byte, 0, 256)
	meta = appendMetaUI(meta, 0x0002, sopClassUID)
	meta = appendMetaUI(meta, 0x0003, sopInstanceUID)
	meta = appendMetaUI(meta, 0x0010, transferSyntaxUID)
	meta = appendMetaUI(meta, 0x0012, "1.2.840.10008.1.2.1")

	out := make([]byte, 0, metaStart+12+len(meta)+len(dataset))
	out = append(out, make([]byte, preambleLength)...)
	out = append(out, dicmPrefix...)

	// File Meta Information Group Length (0002,0000) covers everything
	// after itself up to the dataset.
	out = append(out, 0x02, 0x00, 0x00, 0x00, 'U', 'L', 0x04, 0x00)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(meta)))

	out = append(out, meta...)
	return append(out, dataset...)
}

// appendMetaUI appends one group 0002 UI element in Explicit VR LE.
func appendMetaUI(buf []byte, element uint16, value string) []byte {
	padded := []byte(value)
	if len(padded)%2 == 1 {
		padded = append(padded, 0x00)
	}
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, 'U', 'I')
	buf = append(buf, byte(len(padded)), byte(len(padded)>>8))
	return append(buf, padded...)
}
