// Package errors defines the error taxonomy for transfers. This file holds
// the protocol-level errors raised by the DICOM layer; transfer.go holds the
// classification errors the retry policy acts on.
package errors

import "fmt"

// AssociationRejectReason is the reason field of an A-ASSOCIATE-RJ PDU.
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07
)

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectSource is the source field of an A-ASSOCIATE-RJ PDU.
type AssociationRejectSource byte

const (
	RejectSourceUnknown         AssociationRejectSource = 0x00
	RejectSourceServiceUser     AssociationRejectSource = 0x01
	RejectSourceServiceProvider AssociationRejectSource = 0x02
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// AssociationError means the peer answered A-ASSOCIATE-RQ with a rejection.
// A misconfigured AE title usually shows up here, so the source and reason
// from the RJ PDU are preserved for the task log.
type AssociationError struct {
	Source AssociationRejectSource
	Reason AssociationRejectReason
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected by %s: %s", e.Source, e.Reason)
}

// NewAssociationError creates a new association rejection error.
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason) *AssociationError {
	return &AssociationError{Source: source, Reason: reason}
}

// AbortError means the peer dropped the association with an A-ABORT PDU.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	source := "unknown"
	switch e.Source {
	case 0x00:
		source = "service-user"
	case 0x02:
		source = "service-provider"
	}
	return fmt.Sprintf("A-ABORT received from %s (reason: 0x%02X)", source, e.Reason)
}

// NewAbortError creates a new abort error.
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{Source: source, Reason: reason}
}

// DIMSEError means a DIMSE operation completed with a non-success status.
type DIMSEError struct {
	Op     string
	Status uint16
	Msg    string
}

func (e *DIMSEError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("DIMSE %s failed: %s (status: 0x%04X)", e.Op, e.Msg, e.Status)
	}
	return fmt.Sprintf("DIMSE %s failed (status: 0x%04X)", e.Op, e.Status)
}

// NewDIMSEError creates a new DIMSE status error.
func NewDIMSEError(op string, status uint16, msg string) *DIMSEError {
	return &DIMSEError{Op: op, Status: status, Msg: msg}
}
