package client

import (
	"encoding/binary"
	"log/slog"
	"reflect"
	"testing"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// queueResponse frames a command or dataset as a single-PDV P-DATA-TF PDU
// and appends it to the connection's read buffer.
func queueResponse(t *testing.T, conn *fakeConn, contextID byte, isCommand bool, data []byte) {
	t.Helper()

	pdv := make([]byte, 0, len(data)+6)
	pdv = binary.BigEndian.AppendUint32(pdv, uint32(len(data)+2))
	pdv = append(pdv, contextID)
	control := byte(0x02) // always a complete fragment here
	if isCommand {
		control |= 0x01
	}
	pdv = append(pdv, control)
	pdv = append(pdv, data...)

	header := make([]byte, 0, 6)
	header = append(header, byte(0x04), 0x00) // P-DATA-TF
	header = binary.BigEndian.AppendUint32(header, uint32(len(pdv)))

	conn.in.Write(header)
	conn.in.Write(pdv)
}

// queueCommand encodes a DIMSE command and queues it as a response PDU.
func queueCommand(t *testing.T, conn *fakeConn, contextID byte, msg *types.Message) {
	t.Helper()

	data, err := dimse.EncodeCommand(msg)
	if err != nil {
		t.Fatalf("failed to encode command: %v", err)
	}
	queueResponse(t, conn, contextID, true, data)
}

func TestSendCEcho(t *testing.T) {
	conn := &fakeConn{}
	assoc := newTestAssociation(conn, 16384)
	assoc.presentationCtxs[7] = &PresentationContext{
		ID:             7,
		AbstractSyntax: types.VerificationSOPClass,
		TransferSyntax: types.ImplicitVRLittleEndian,
		Accepted:       true,
	}

	queueCommand(t, conn, 7, &types.Message{
		CommandField:              dimse.CEchoRSP,
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    types.StatusSuccess,
		AffectedSOPClassUID:       types.VerificationSOPClass,
	})

	resp, err := assoc.SendCEcho(1)
	if err != nil {
		t.Fatalf("SendCEcho returned error: %v", err)
	}

	if resp.Status != types.StatusSuccess {
		t.Fatalf("C-ECHO status = 0x%04X, want success", resp.Status)
	}
	if resp.MessageID != 1 {
		t.Fatalf("C-ECHO message ID = %d, want 1", resp.MessageID)
	}

	// The request must have gone out as a command PDV on context 7.
	sent := splitPDUs(t, conn.out.Bytes())
	if len(sent) != 1 {
		t.Fatalf("expected 1 request PDU, got %d", len(sent))
	}
	ctxID, ctrl := pdvHeader(t, sent[0].payload)
	if ctxID != 7 || ctrl != 0x03 {
		t.Fatalf("request PDV context/control = %d/0x%02x, want 7/0x03", ctxID, ctrl)
	}
}

func TestSendCEcho_NoPresentationContext(t *testing.T) {
	assoc := newTestAssociation(&fakeConn{}, 16384)

	if _, err := assoc.SendCEcho(1); err == nil {
		t.Fatal("expected error without an accepted verification context")
	}
}

func TestSendCFind(t *testing.T) {
	conn := &fakeConn{}
	assoc := newTestAssociation(conn, 16384)
	assoc.presentationCtxs[9] = &PresentationContext{
		ID:             9,
		AbstractSyntax: types.StudyRootQueryRetrieveInformationModelFind,
		TransferSyntax: types.ImplicitVRLittleEndian,
		Accepted:       true,
	}

	requestDataset := dicom.NewDataset()
	requestDataset.AddElement(dicom.Tag{Group: 0x0008, Element: 0x0052}, dicom.VR_CS, "STUDY")
	requestDataset.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "DOE^JOHN")

	matchDataset := dicom.NewDataset()
	matchDataset.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "DOE^JOHN")

	// One pending match with a dataset, then the final success response.
	queueCommand(t, conn, 9, &types.Message{
		CommandField:              dimse.CFindRSP,
		MessageIDBeingRespondedTo: 2,
		CommandDataSetType:        0x0000,
		Status:                    types.StatusPending,
		AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
	})
	queueResponse(t, conn, 9, false, matchDataset.EncodeDataset())
	queueCommand(t, conn, 9, &types.Message{
		CommandField:              dimse.CFindRSP,
		MessageIDBeingRespondedTo: 2,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    types.StatusSuccess,
		AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
	})

	responses, err := assoc.SendCFind(&CFindRequest{
		MessageID: 2,
		Dataset:   requestDataset,
	})
	if err != nil {
		t.Fatalf("SendCFind returned error: %v", err)
	}

	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}

	if responses[0].Status != types.StatusPending {
		t.Fatalf("first response status = 0x%04X, want pending", responses[0].Status)
	}
	if responses[0].Dataset == nil {
		t.Fatal("expected dataset in pending response")
	}
	if name := responses[0].Dataset.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}); name != "DOE^JOHN" {
		t.Fatalf("patient name = %s, want DOE^JOHN", name)
	}

	if responses[1].Status != types.StatusSuccess {
		t.Fatalf("final response status = 0x%04X, want success", responses[1].Status)
	}
	if responses[1].Dataset != nil {
		t.Fatal("final response should not contain dataset")
	}
}

// queueFindMatches queues one pending C-FIND-RSP with a study-level dataset
// per UID, followed by the final success response.
func queueFindMatches(t *testing.T, conn *fakeConn, contextID byte, studyUIDs ...string) {
	t.Helper()

	for _, uid := range studyUIDs {
		queueCommand(t, conn, contextID, &types.Message{
			CommandField:              dimse.CFindRSP,
			MessageIDBeingRespondedTo: 1,
			CommandDataSetType:        0x0000,
			Status:                    types.StatusPending,
			AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
		})
		match := dicom.NewDataset()
		match.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0010}, dicom.VR_PN, "DOE^JOHN")
		match.AddElement(dicom.Tag{Group: 0x0020, Element: 0x000D}, dicom.VR_UI, uid)
		queueResponse(t, conn, contextID, false, match.EncodeDataset())
	}
	queueCommand(t, conn, contextID, &types.Message{
		CommandField:              dimse.CFindRSP,
		MessageIDBeingRespondedTo: 1,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    types.StatusSuccess,
		AffectedSOPClassUID:       types.StudyRootQueryRetrieveInformationModelFind,
	})
}

func TestFindRepeatedQuerySameResults(t *testing.T) {
	conn := &fakeConn{}
	assoc := newTestAssociation(conn, 16384)
	assoc.presentationCtxs[9] = &PresentationContext{
		ID:             9,
		AbstractSyntax: types.StudyRootQueryRetrieveInformationModelFind,
		TransferSyntax: types.ImplicitVRLittleEndian,
		Accepted:       true,
	}
	c := &Client{assoc: assoc, nextID: 1, logger: slog.Default()}

	query := &types.QueryRequest{PatientID: "PAT001"}
	collect := func() []*types.QueryResult {
		t.Helper()
		queueFindMatches(t, conn, 9, "1.2.3.4", "1.2.3.5")
		var results []*types.QueryResult
		for result, err := range c.Find(query, types.QueryLevelStudy) {
			if err != nil {
				t.Fatalf("Find returned error: %v", err)
			}
			results = append(results, result)
		}
		return results
	}

	first := collect()
	second := collect()

	if len(first) != 2 {
		t.Fatalf("expected 2 results, got %d", len(first))
	}
	if first[0].StudyInstanceUID != "1.2.3.4" || first[1].StudyInstanceUID != "1.2.3.5" {
		t.Fatalf("unexpected study UIDs: %s, %s",
			first[0].StudyInstanceUID, first[1].StudyInstanceUID)
	}
	// The query has no side effects on the peer or the client, so an
	// identical resubmission yields the same result set.
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated find returned a different result set:\nfirst:  %+v\nsecond: %+v",
			first, second)
	}
}
