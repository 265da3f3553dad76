package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/pdu"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Service selects which DIMSE service an association is opened for. Each
// service negotiates its own set of abstract syntaxes.
type Service int

const (
	ServiceEcho Service = iota
	ServiceFind
	ServiceGet
	ServiceMove
	ServiceStore
)

// Identification advertised in the user information item.
const (
	implementationClassUID    = "1.2.840.10008.1.2.1"
	implementationVersionName = "DICOMTRANSFER01"
)

func (s Service) String() string {
	switch s {
	case ServiceEcho:
		return "ECHO"
	case ServiceFind:
		return "FIND"
	case ServiceGet:
		return "GET"
	case ServiceMove:
		return "MOVE"
	case ServiceStore:
		return "STORE"
	default:
		return "UNKNOWN"
	}
}

// storageSOPClasses are the storage abstract syntaxes proposed for STORE
// associations and, with the SCP role selected, for GET associations so the
// peer can push instances back in-band.
var storageSOPClasses = types.StorageSOPClasses()

// abstractSyntaxesFor returns the abstract syntaxes proposed for a service.
// Query/retrieve services propose both information models; which ones the
// peer accepts decides the query root the caller may use. Verification is
// always proposed so any association can be pinged.
func abstractSyntaxesFor(service Service) []string {
	syntaxes := []string{types.VerificationSOPClass}
	switch service {
	case ServiceFind:
		syntaxes = append(syntaxes,
			types.PatientRootQueryRetrieveInformationModelFind,
			types.StudyRootQueryRetrieveInformationModelFind)
	case ServiceGet:
		syntaxes = append(syntaxes,
			types.PatientRootQueryRetrieveInformationModelGet,
			types.StudyRootQueryRetrieveInformationModelGet)
		syntaxes = append(syntaxes, storageSOPClasses...)
	case ServiceMove:
		syntaxes = append(syntaxes,
			types.PatientRootQueryRetrieveInformationModelMove,
			types.StudyRootQueryRetrieveInformationModelMove)
	case ServiceStore:
		syntaxes = append(syntaxes, storageSOPClasses...)
	}
	return syntaxes
}

// Association represents a client-side DICOM association
type Association struct {
	conn                      net.Conn
	service                   Service
	callingAETitle            string
	calledAETitle             string
	maxPDULength              uint32
	presentationCtxs          map[byte]*PresentationContext
	logger                    *slog.Logger
	preferredTransferSyntaxes []string
}

// PresentationContext holds negotiated presentation context info
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
}

// Config holds client configuration
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	MaxPDULength              uint32
	ConnectTimeout            time.Duration // Timeout for establishing connection (default: 30s)
	ReadTimeout               time.Duration // Timeout for read operations (default: 60s)
	WriteTimeout              time.Duration // Timeout for write operations (default: 60s)
	Logger                    *slog.Logger  // Logger for the association (default: slog.Default())
	PreferredTransferSyntaxes []string      // Transfer syntaxes to propose (default: Explicit VR, Implicit VR)

	// ConnectRetries and ConnectDelay bound the dial retry loop. Failures on
	// an established association are never retried at this layer.
	ConnectRetries int
	ConnectDelay   time.Duration
}

// Connect establishes a DICOM association with a remote SCP, negotiating the
// abstract syntaxes of the given service.
func Connect(address string, service Service, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384 // Default 16KB
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}

	dialer := &net.Dialer{
		Timeout: config.ConnectTimeout,
	}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	assoc, err := Negotiate(conn, service, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

// Negotiate runs the association handshake for service over an already
// established connection.
func Negotiate(conn net.Conn, service Service, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}

	if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout)); err != nil {
		return nil, fmt.Errorf("failed to set write deadline: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transferSyntaxes := config.PreferredTransferSyntaxes
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = types.NegotiableTransferSyntaxes()
	}

	assoc := &Association{
		conn:                      conn,
		service:                   service,
		callingAETitle:            config.CallingAETitle,
		calledAETitle:             config.CalledAETitle,
		maxPDULength:              config.MaxPDULength,
		presentationCtxs:          make(map[byte]*PresentationContext),
		logger:                    logger,
		preferredTransferSyntaxes: transferSyntaxes,
	}

	if err := assoc.sendAssociateRQ(); err != nil {
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	if err := assoc.receiveAssociateAC(); err != nil {
		return nil, fmt.Errorf("failed to receive A-ASSOCIATE-AC: %w", err)
	}

	logger.Info("DICOM association established",
		"remote_addr", conn.RemoteAddr(),
		"service", service.String(),
		"calling_ae", config.CallingAETitle,
		"called_ae", config.CalledAETitle)

	return assoc, nil
}

// Close gracefully closes the association
func (a *Association) Close() error {
	// Send release request
	if err := a.sendReleaseRQ(); err != nil {
		a.logger.Warn("Failed to send release request", "error", err)
	}

	// Wait for release response (with timeout handled by TCP)
	a.receiveReleaseRP()

	return a.conn.Close()
}

// Abort sends an A-ABORT PDU and drops the connection without release.
func (a *Association) Abort() error {
	// Reserved, reserved, source (0 = service-user), reason
	if err := a.writeFixedPDU(pdu.TypeAbort, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		a.conn.Close()
		return err
	}

	a.logger.Debug("Sent A-ABORT", "service", a.service.String())
	return a.conn.Close()
}

// writeFixedPDU writes a fixed-body PDU (release, abort) in a single write.
func (a *Association) writeFixedPDU(pduType byte, body []byte) error {
	buf := append([]byte{pduType, 0x00}, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	_, err := a.conn.Write(append(buf, body...))
	return err
}

// Service returns the DIMSE service the association was opened for.
func (a *Association) Service() Service {
	return a.service
}

// appendItem appends an association item or sub-item: type byte, reserved
// byte, big-endian 16-bit length, then the value.
func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// paddedAETitle returns the title as a 16-byte field, space-padded.
func paddedAETitle(title string) []byte {
	field := []byte("                ")
	copy(field, title)
	return field
}

// sendAssociateRQ sends an A-ASSOCIATE-RQ PDU
func (a *Association) sendAssociateRQ() error {
	buf := make([]byte, 0, 1024)

	// Protocol version, two reserved bytes, the AE titles, 32 reserved bytes
	buf = append(buf, 0x00, 0x01, 0x00, 0x00)
	buf = append(buf, paddedAETitle(a.calledAETitle)...)
	buf = append(buf, paddedAETitle(a.callingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(types.ApplicationContextUID))

	// One presentation context per abstract syntax of the service, odd IDs
	contextID := byte(1)
	for _, abstractSyntax := range abstractSyntaxesFor(a.service) {
		buf = appendItem(buf, 0x20, a.presentationContextBody(contextID, abstractSyntax))
		contextID += 2
	}

	buf = appendItem(buf, 0x50, a.userInformationBody())

	pduHeader := make([]byte, 6)
	pduHeader[0] = pdu.TypeAssociateRQ
	binary.BigEndian.PutUint32(pduHeader[2:6], uint32(len(buf)))

	if _, err := a.conn.Write(pduHeader); err != nil {
		return err
	}
	if _, err := a.conn.Write(buf); err != nil {
		return err
	}

	return nil
}

// presentationContextBody builds the value of a presentation context item
// (0x20) and registers the proposed context as pending acceptance.
func (a *Association) presentationContextBody(contextID byte, abstractSyntax string) []byte {
	body := []byte{contextID, 0x00, 0x00, 0x00}

	body = appendItem(body, 0x30, []byte(abstractSyntax))
	// Transfer syntaxes in preference order, the first one is preferred.
	for _, ts := range a.preferredTransferSyntaxes {
		body = appendItem(body, 0x40, []byte(ts))
	}

	a.presentationCtxs[contextID] = &PresentationContext{
		ID:             contextID,
		AbstractSyntax: abstractSyntax,
	}

	return body
}

// userInformationBody builds the value of the user information item (0x50).
func (a *Association) userInformationBody() []byte {
	body := appendItem(nil, 0x51, binary.BigEndian.AppendUint32(nil, a.maxPDULength))
	body = appendItem(body, 0x52, []byte(implementationClassUID))
	body = appendItem(body, 0x55, []byte(implementationVersionName))

	// GET negotiates storage sub-roles: we act as SCP for the storage
	// classes so the peer may push instances back on this association.
	if a.service == ServiceGet {
		for _, sopClass := range storageSOPClasses {
			body = appendItem(body, 0x54, roleSelectionBody(sopClass, 0, 1))
		}
	}

	return body
}

// roleSelectionBody builds the value of an SCP/SCU role selection sub-item.
func roleSelectionBody(sopClassUID string, scuRole, scpRole byte) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(sopClassUID)))
	body = append(body, []byte(sopClassUID)...)
	return append(body, scuRole, scpRole)
}

// receiveAssociateAC receives and parses A-ASSOCIATE-AC
func (a *Association) receiveAssociateAC() error {
	// Read PDU header
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return fmt.Errorf("failed to read PDU header: %w", err)
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	if pduType == pdu.TypeAssociateRJ {
		// RJ body: reserved, result, source, reason
		body := make([]byte, pduLength)
		var source, reason byte
		if _, err := io.ReadFull(a.conn, body); err == nil && len(body) >= 4 {
			source = body[2]
			reason = body[3]
		}
		return errors.NewAssociationError(
			errors.AssociationRejectSource(source),
			errors.AssociationRejectReason(reason))
	}

	if pduType != pdu.TypeAssociateAC {
		return fmt.Errorf("unexpected PDU type: 0x%02x (expected A-ASSOCIATE-AC)", pduType)
	}

	// Read PDU data
	data := make([]byte, pduLength)
	if _, err := io.ReadFull(a.conn, data); err != nil {
		return fmt.Errorf("failed to read PDU data: %w", err)
	}

	// Walk the variable items. Only the presentation context results (0x21)
	// matter on the accept side: the fixed fields echo what we proposed.
	for offset := 68; offset+4 <= len(data); {
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		itemEnd := offset + 4 + int(itemLength)
		if itemEnd > len(data) {
			break
		}
		if data[offset] == 0x21 {
			a.applyContextResult(data[offset+4 : itemEnd])
		}
		offset = itemEnd
	}

	return nil
}

// applyContextResult records the negotiation outcome of one presentation
// context result item from the A-ASSOCIATE-AC.
func (a *Association) applyContextResult(item []byte) {
	if len(item) < 1 {
		return
	}
	contextID := item[0]

	// A truncated item counts as a rejection.
	result := byte(0xff)
	if len(item) >= 4 {
		result = item[3]
	}

	transferSyntax := ""
	for offset := 4; offset+4 <= len(item); {
		subLength := binary.BigEndian.Uint16(item[offset+2 : offset+4])
		subEnd := offset + 4 + int(subLength)
		if subEnd > len(item) {
			break
		}
		if item[offset] == 0x40 && subLength > 0 {
			transferSyntax = strings.TrimRight(string(item[offset+4:subEnd]), "\x00 ")
		}
		offset = subEnd
	}

	pc, ok := a.presentationCtxs[contextID]
	if !ok {
		return
	}
	pc.Accepted = result == 0
	if pc.Accepted && transferSyntax != "" {
		pc.TransferSyntax = transferSyntax
	}
	a.logger.Debug("Presentation context negotiation",
		"context_id", contextID,
		"abstract_syntax", pc.AbstractSyntax,
		"result", result,
		"accepted", pc.Accepted,
		"transfer_syntax", pc.TransferSyntax)
}

// sendReleaseRQ sends an A-RELEASE-RQ PDU. The body is four reserved bytes.
func (a *Association) sendReleaseRQ() error {
	return a.writeFixedPDU(pdu.TypeReleaseRQ, make([]byte, 4))
}

// receiveReleaseRP receives A-RELEASE-RP (or times out on the connection).
func (a *Association) receiveReleaseRP() error {
	header := make([]byte, 6)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return err
	}

	if header[0] != pdu.TypeReleaseRP {
		return fmt.Errorf("unexpected PDU type: 0x%02x", header[0])
	}

	// Drain the reserved body.
	_, err := io.CopyN(io.Discard, a.conn, int64(binary.BigEndian.Uint32(header[2:6])))
	return err
}

// sendCommand encodes one DIMSE command and writes it, with an optional
// dataset, on the given presentation context.
func (a *Association) sendCommand(presContextID byte, msg *types.Message, dataset []byte) error {
	commandData, err := dimse.EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode command 0x%04x: %w", msg.CommandField, err)
	}
	return a.sendDIMSEMessage(presContextID, commandData, dataset)
}

// roundTrip sends one command with an optional dataset and waits for the
// response, verifying its command field.
func (a *Association) roundTrip(presContextID byte, msg *types.Message, dataset []byte, wantRSP uint16) (*types.Message, []byte, error) {
	if err := a.sendCommand(presContextID, msg, dataset); err != nil {
		return nil, nil, err
	}
	rsp, data, err := a.receiveDIMSEMessage()
	if err != nil {
		return nil, nil, err
	}
	if rsp.CommandField != wantRSP {
		return nil, nil, fmt.Errorf("unexpected command: 0x%04x (expected 0x%04x)", rsp.CommandField, wantRSP)
	}
	return rsp, data, nil
}

// GetPresentationContextID finds a presentation context for the given abstract syntax
func (a *Association) GetPresentationContextID(abstractSyntax string) (byte, error) {
	for _, pc := range a.presentationCtxs {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc.ID, nil
		}
	}
	return 0, fmt.Errorf("no accepted presentation context for abstract syntax: %s", abstractSyntax)
}

// TransferSyntaxFor returns the negotiated transfer syntax for a presentation
// context ID, or empty when the context was not accepted.
func (a *Association) TransferSyntaxFor(contextID byte) string {
	if pc, ok := a.presentationCtxs[contextID]; ok && pc.Accepted {
		return pc.TransferSyntax
	}
	return ""
}

// AcceptedAbstractSyntaxes lists the abstract syntaxes the peer accepted.
func (a *Association) AcceptedAbstractSyntaxes() []string {
	var accepted []string
	for _, pc := range a.presentationCtxs {
		if pc.Accepted {
			accepted = append(accepted, pc.AbstractSyntax)
		}
	}
	return accepted
}
