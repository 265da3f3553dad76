package types

// Transfer syntax UIDs the transfer engine negotiates or passes through.
// Associations only ever negotiate the two uncompressed little endian
// syntaxes; the compressed ones appear in the file meta of objects that
// arrive already encapsulated and travel unmodified.

// Uncompressed transfer syntaxes.
const (
	// ImplicitVRLittleEndian is the DICOM default.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// ExplicitVRLittleEndian is preferred on every association.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian is retired; recognized but never proposed.
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	// DeflatedExplicitVRLittleEndian wraps explicit VR in a zlib stream.
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
)

// Encapsulated (compressed) transfer syntaxes commonly found in archives.
const (
	JPEGBaseline8Bit  = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit = "1.2.840.10008.1.2.4.51"
	JPEGLossless      = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1   = "1.2.840.10008.1.2.4.70"

	JPEGLSLossless     = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless = "1.2.840.10008.1.2.4.81"

	JPEG2000Lossless = "1.2.840.10008.1.2.4.90"
	JPEG2000         = "1.2.840.10008.1.2.4.91"

	RLELossless = "1.2.840.10008.1.2.5"

	HTJ2KLossless = "1.2.840.10008.1.2.4.201"
	HTJ2K         = "1.2.840.10008.1.2.4.203"
)

// TransferSyntaxInfo provides metadata about a transfer syntax.
type TransferSyntaxInfo struct {
	UID          string
	Name         string
	IsCompressed bool
	IsLossless   bool
	IsRetired    bool
}

// GetTransferSyntaxInfo returns information about a transfer syntax UID.
// Unknown syntaxes report as uncompressed and lossless so objects carrying
// them still pass through untouched.
func GetTransferSyntaxInfo(uid string) *TransferSyntaxInfo {
	info, ok := transferSyntaxRegistry[uid]
	if !ok {
		return &TransferSyntaxInfo{
			UID:        uid,
			Name:       "Unknown",
			IsLossless: true,
		}
	}
	return &info
}

// IsCompressed returns true if the transfer syntax uses compression.
func IsCompressed(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsCompressed
}

// IsLossless returns true if the transfer syntax is lossless. Uncompressed
// transfer syntaxes count as lossless.
func IsLossless(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsLossless
}

// IsRetired returns true if the transfer syntax is retired.
func IsRetired(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsRetired
}

// NegotiableTransferSyntaxes returns the syntaxes proposed on every
// presentation context, preferred first.
func NegotiableTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
	}
}

var transferSyntaxRegistry = map[string]TransferSyntaxInfo{
	ImplicitVRLittleEndian: {
		UID:        ImplicitVRLittleEndian,
		Name:       "Implicit VR Little Endian",
		IsLossless: true,
	},
	ExplicitVRLittleEndian: {
		UID:        ExplicitVRLittleEndian,
		Name:       "Explicit VR Little Endian",
		IsLossless: true,
	},
	ExplicitVRBigEndian: {
		UID:        ExplicitVRBigEndian,
		Name:       "Explicit VR Big Endian (Retired)",
		IsLossless: true,
		IsRetired:  true,
	},
	DeflatedExplicitVRLittleEndian: {
		UID:          DeflatedExplicitVRLittleEndian,
		Name:         "Deflated Explicit VR Little Endian",
		IsCompressed: true,
		IsLossless:   true,
	},

	JPEGBaseline8Bit: {
		UID:          JPEGBaseline8Bit,
		Name:         "JPEG Baseline (Process 1)",
		IsCompressed: true,
	},
	JPEGExtended12Bit: {
		UID:          JPEGExtended12Bit,
		Name:         "JPEG Extended (Process 2 & 4)",
		IsCompressed: true,
	},
	JPEGLossless: {
		UID:          JPEGLossless,
		Name:         "JPEG Lossless (Process 14)",
		IsCompressed: true,
		IsLossless:   true,
	},
	JPEGLosslessSV1: {
		UID:          JPEGLosslessSV1,
		Name:         "JPEG Lossless (Process 14, SV1)",
		IsCompressed: true,
		IsLossless:   true,
	},
	JPEGLSLossless: {
		UID:          JPEGLSLossless,
		Name:         "JPEG-LS Lossless",
		IsCompressed: true,
		IsLossless:   true,
	},
	JPEGLSNearLossless: {
		UID:          JPEGLSNearLossless,
		Name:         "JPEG-LS Near-Lossless",
		IsCompressed: true,
	},
	JPEG2000Lossless: {
		UID:          JPEG2000Lossless,
		Name:         "JPEG 2000 (Lossless Only)",
		IsCompressed: true,
		IsLossless:   true,
	},
	JPEG2000: {
		UID:          JPEG2000,
		Name:         "JPEG 2000",
		IsCompressed: true,
	},
	RLELossless: {
		UID:          RLELossless,
		Name:         "RLE Lossless",
		IsCompressed: true,
		IsLossless:   true,
	},
	HTJ2KLossless: {
		UID:          HTJ2KLossless,
		Name:         "High-Throughput JPEG 2000 (Lossless Only)",
		IsCompressed: true,
		IsLossless:   true,
	},
	HTJ2K: {
		UID:          HTJ2K,
		Name:         "High-Throughput JPEG 2000",
		IsCompressed: true,
	},
}
