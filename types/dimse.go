package types

// DIMSE command field values. Responses set bit 15 of the request value.
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE status codes.
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusCancel  = 0xFE00
	StatusFailure = 0xC000
)

// CommandDataSetNull is the CommandDataSetType value signalling that no
// dataset follows the command set.
const CommandDataSetNull = 0x0101

// IsWarningStatus reports whether a DIMSE status is in the warning range
// (0xBxxx). Warning responses mean the operation was accepted but the peer
// flagged something, such as coercion of data elements.
func IsWarningStatus(status uint16) bool {
	return status&0xF000 == 0xB000
}

// Message represents a parsed DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	MoveDestination           string // C-MOVE-RQ only: AE title of the move destination
	TransferSyntaxUID         string // negotiated transfer syntax for the accompanying dataset

	// Sub-operation counters on C-MOVE and C-GET responses. Nil when the
	// peer omitted the attribute.
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// IsResponse reports whether the message is a response command.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// HasDataset reports whether a dataset accompanies the command set.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != CommandDataSetNull
}
