package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Modifier rewrites identifying attributes of a dataset in transit. It works
// on the encoded byte stream so bulk data (pixel data in particular) is
// copied through untouched; only the listed header attributes change.
type Modifier struct {
	// PatientID and PatientName replace (0010,0020) and (0010,0010).
	PatientID   string
	PatientName string

	// Optional clinical trial attributes injected as (0012,0020) and
	// (0012,0021) when non-empty.
	ClinicalTrialProtocolID   string
	ClinicalTrialProtocolName string

	// Comments, when non-empty, is written into Patient Comments (0010,4000).
	Comments string
}

// Empty reports whether applying the modifier would change nothing.
func (m *Modifier) Empty() bool {
	return m == nil || (m.PatientID == "" && m.PatientName == "" &&
		m.ClinicalTrialProtocolID == "" && m.ClinicalTrialProtocolName == "" &&
		m.Comments == "")
}

type tagEdit struct {
	tag   Tag
	vr    string
	value string
}

// edits returns the pending rewrites in ascending tag order.
func (m *Modifier) edits() []tagEdit {
	var edits []tagEdit
	if m.PatientName != "" {
		edits = append(edits, tagEdit{Tag{0x0010, 0x0010}, VR_PN, m.PatientName})
	}
	if m.PatientID != "" {
		edits = append(edits, tagEdit{Tag{0x0010, 0x0020}, VR_LO, m.PatientID})
	}
	if m.Comments != "" {
		edits = append(edits, tagEdit{Tag{0x0010, 0x4000}, VR_LT, m.Comments})
	}
	if m.ClinicalTrialProtocolID != "" {
		edits = append(edits, tagEdit{Tag{0x0012, 0x0020}, VR_LO, m.ClinicalTrialProtocolID})
	}
	if m.ClinicalTrialProtocolName != "" {
		edits = append(edits, tagEdit{Tag{0x0012, 0x0021}, VR_LO, m.ClinicalTrialProtocolName})
	}
	sort.Slice(edits, func(i, j int) bool { return tagLess(edits[i].tag, edits[j].tag) })
	return edits
}

func tagLess(a, b Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// Rewrite applies the modifier to an encoded dataset, preserving the transfer
// syntax. Elements matching an edit are replaced; edits whose tag is absent
// are inserted at the correct position; everything else is copied verbatim.
func (m *Modifier) Rewrite(data []byte, transferSyntaxUID string) ([]byte, error) {
	if m.Empty() {
		return data, nil
	}

	implicit := transferSyntaxUID == types.ImplicitVRLittleEndian
	pending := m.edits()
	out := make([]byte, 0, len(data)+256)

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		var length uint32
		var headerLen int
		if implicit {
			length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
			headerLen = 8
		} else {
			vr := string(data[offset+4 : offset+6])
			if isLongExplicitVR(vr) {
				if offset+12 > len(data) {
					return nil, fmt.Errorf("truncated element header at offset %d", offset)
				}
				length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
				headerLen = 12
			} else {
				length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
				headerLen = 8
			}
		}

		end := offset + headerLen + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("element %s exceeds dataset length", tag)
		}

		// Flush inserts that sort before this element.
		for len(pending) > 0 && tagLess(pending[0].tag, tag) {
			out = appendEditedElement(out, pending[0], implicit)
			pending = pending[1:]
		}

		if len(pending) > 0 && pending[0].tag == tag {
			out = appendEditedElement(out, pending[0], implicit)
			pending = pending[1:]
		} else {
			out = append(out, data[offset:end]...)
		}

		offset = end
	}

	for _, edit := range pending {
		out = appendEditedElement(out, edit, implicit)
	}

	return out, nil
}

func isLongExplicitVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_UC, VR_UN, VR_UR, VR_UT, VR_SV, VR_UV:
		return true
	}
	return false
}

// appendEditedElement encodes one edit in the dataset's transfer syntax.
func appendEditedElement(out []byte, edit tagEdit, implicit bool) []byte {
	value := []byte(edit.value)
	if len(value)%2 == 1 {
		value = append(value, 0x20)
	}

	tagBytes := make([]byte, 4)
	binary.LittleEndian.PutUint16(tagBytes[0:2], edit.tag.Group)
	binary.LittleEndian.PutUint16(tagBytes[2:4], edit.tag.Element)
	out = append(out, tagBytes...)

	if implicit {
		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(value)))
		out = append(out, lengthBytes...)
	} else {
		out = append(out, []byte(edit.vr)...)
		lengthBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(lengthBytes, uint16(len(value)))
		out = append(out, lengthBytes...)
	}

	return append(out, value...)
}

// Apply rewrites the parsed form of a dataset in place. Used where the
// dataset is already decoded, e.g. before re-encoding query identifiers.
func (m *Modifier) Apply(ds *Dataset) {
	if m.Empty() || ds == nil {
		return
	}
	for _, edit := range m.edits() {
		ds.AddElement(edit.tag, edit.vr, edit.value)
	}
}
