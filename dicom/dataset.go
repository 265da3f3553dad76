package dicom

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

// longVRs use the 12-byte explicit header: tag, VR, two reserved bytes,
// then a 32-bit length. Everything else carries a 16-bit length.
var longVRs = map[string]bool{
	VR_OB: true, VR_OD: true, VR_OF: true, VR_OL: true, VR_OV: true,
	VR_OW: true, VR_SQ: true, VR_SV: true, VR_UC: true, VR_UN: true,
	VR_UR: true, VR_UT: true, VR_UV: true,
}

// Tag identifies a data element by group and element number.
type Tag struct {
	Group   uint16
	Element uint16
}

// String formats the tag as (GGGG,EEEE).
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Element is a single data element: tag, VR and the decoded value.
type Element struct {
	Tag    Tag
	VR     string
	Length uint32
	Value  interface{}
}

// Dataset holds data elements keyed by tag.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{Elements: make(map[Tag]*Element)}
}

// AddElement inserts or replaces the element for a tag.
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// GetElement looks up an element by tag.
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag, with null and space padding
// removed.
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			if idx := strings.IndexByte(str, 0); idx != -1 {
				str = str[:idx]
			}
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns the values of a multi-valued tag. String values are
// split on the backslash delimiter.
func (d *Dataset) GetStrings(tag Tag) []string {
	element, exists := d.Elements[tag]
	if !exists {
		return nil
	}
	switch v := element.Value.(type) {
	case string:
		parts := strings.Split(v, "\\")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.TrimSpace(part)
		}
		return result
	case []string:
		return v
	}
	return nil
}

// sortedTags returns the dataset's tags in ascending group/element order,
// the order DICOM requires them encoded in.
func (d *Dataset) sortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// ParseDataset parses a DICOM dataset from raw bytes (Explicit VR Little Endian)
func ParseDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int
		if longVRs[vr] {
			if offset+12 > len(data) {
				break
			}
			// Two reserved bytes sit between the VR and the length.
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		dataset.AddElement(tag, vr, parseElementValue(tag, valueData))

		offset = valueOffset + int(length)
		if length%2 == 1 {
			offset++ // odd declared lengths are followed by a pad byte
		}
	}

	return dataset, nil
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case TransferSyntaxImplicitVRLittleEndian:
		return parseImplicitVRDataset(data)
	default:
		// Explicit VR Little Endian, also the fallback for anything
		// unrecognized.
		return ParseDataset(data)
	}
}

func parseImplicitVRDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		dataset.AddElement(tag, determineVR(tag), parseElementValue(tag, valueData))

		offset = valueOffset + int(length)
		if length%2 == 1 {
			offset++
		}
	}

	return dataset, nil
}

// parseElementValue decodes a raw element value. Query and identification
// elements are all text, so values are kept as trimmed strings.
func parseElementValue(tag Tag, data []byte) interface{} {
	if len(data) == 0 {
		return ""
	}

	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// tagVRs maps the tags this service queries and stores to their VR. It
// stands in for a full data dictionary when decoding Implicit VR.
var tagVRs = map[Tag]string{
	{0x0008, 0x0005}: VR_CS, // Specific Character Set
	{0x0008, 0x0016}: VR_UI, // SOP Class UID
	{0x0008, 0x0018}: VR_UI, // SOP Instance UID
	{0x0008, 0x0020}: VR_DA, // Study Date
	{0x0008, 0x0030}: VR_TM, // Study Time
	{0x0008, 0x0050}: VR_SH, // Accession Number
	{0x0008, 0x0052}: VR_CS, // Query/Retrieve Level
	{0x0008, 0x0054}: VR_AE, // Retrieve AE Title
	{0x0008, 0x0060}: VR_CS, // Modality
	{0x0008, 0x0080}: VR_LO, // Institution Name
	{0x0008, 0x0090}: VR_PN, // Referring Physician's Name
	{0x0008, 0x1030}: VR_LO, // Study Description
	{0x0008, 0x103E}: VR_LO, // Series Description
	{0x0008, 0x1040}: VR_LO, // Institutional Department Name
	{0x0008, 0x1050}: VR_PN, // Performing Physician's Name
	{0x0008, 0x1060}: VR_PN, // Name of Physician(s) Reading Study
	{0x0008, 0x1070}: VR_PN, // Operators' Name
	{0x0010, 0x0010}: VR_PN, // Patient's Name
	{0x0010, 0x0020}: VR_LO, // Patient ID
	{0x0010, 0x0030}: VR_DA, // Patient's Birth Date
	{0x0010, 0x0040}: VR_CS, // Patient's Sex
	{0x0010, 0x1010}: VR_AS, // Patient's Age
	{0x0018, 0x0015}: VR_CS, // Body Part Examined
	{0x0020, 0x000D}: VR_UI, // Study Instance UID
	{0x0020, 0x000E}: VR_UI, // Series Instance UID
	{0x0020, 0x0010}: VR_SH, // Study ID
	{0x0020, 0x0011}: VR_IS, // Series Number
	{0x0020, 0x0013}: VR_IS, // Instance Number
	{0x0020, 0x0020}: VR_CS, // Patient Orientation
}

// determineVR looks up the VR for a tag, falling back to UN.
func determineVR(tag Tag) string {
	if vr, ok := tagVRs[tag]; ok {
		return vr
	}
	return VR_UN
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	var result []byte

	for _, tag := range d.sortedTags() {
		element := d.Elements[tag]

		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)
		result = append(result, []byte(element.VR)...)

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20) // even lengths only
		}

		if longVRs[element.VR] {
			result = append(result, 0x00, 0x00) // reserved
			result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		} else {
			if len(valueBytes) > 65535 {
				valueBytes = valueBytes[:65535]
			}
			result = binary.LittleEndian.AppendUint16(result, uint16(len(valueBytes)))
		}

		result = append(result, valueBytes...)
	}

	return result
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case TransferSyntaxImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	default:
		return dataset.EncodeDataset(), nil
	}
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte

	for _, tag := range dataset.sortedTags() {
		element := dataset.Elements[tag]

		result = binary.LittleEndian.AppendUint16(result, tag.Group)
		result = binary.LittleEndian.AppendUint16(result, tag.Element)

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20)
		}

		result = binary.LittleEndian.AppendUint32(result, uint32(len(valueBytes)))
		result = append(result, valueBytes...)
	}

	return result
}

// encodeElementValue encodes an element value to bytes
func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.TrimRight(strings.Join(v, "\\"), "\x00"))
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
