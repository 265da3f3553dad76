package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/interfaces"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

var (
	tagSOPClassUID       = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID    = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID = dicom.Tag{Group: 0x0020, Element: 0x000E}
)

// Publisher announces stored objects to interested subscribers.
// *relay.Server satisfies this interface.
type Publisher interface {
	PublishFile(topic, path string) error
}

// StoreOption configures a StoreService.
type StoreOption func(*StoreService)

// WithStoreLogger overrides the logger used by the store service.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *StoreService) {
		s.logger = logger
	}
}

// WithPublisher sets the publisher notified after each stored object.
func WithPublisher(publisher Publisher) StoreOption {
	return func(s *StoreService) {
		s.publisher = publisher
	}
}

// StoreService handles C-STORE requests by spooling received objects to disk
// as Part 10 files and announcing each one on the publisher, keyed by the
// association's called AE title and the object's study and series UIDs.
//
// Objects are laid out as <dir>/<study UID>/<series UID>/<SOP instance UID>.dcm.
type StoreService struct {
	dir       string
	publisher Publisher
	logger    *slog.Logger
}

// NewStoreService creates a C-STORE service spooling into dir.
func NewStoreService(dir string, opts ...StoreOption) *StoreService {
	s := &StoreService{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleDIMSE processes a C-STORE request and returns a C-STORE-RSP.
//
// The received dataset is written to the spool directory in the negotiated
// transfer syntax. Failures to persist or parse the object are reported to
// the sender as a failure status rather than tearing down the association.
func (s *StoreService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	response := &types.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    dimse.StatusSuccess,
	}

	if err := s.store(ctx, msg, data, meta); err != nil {
		s.logger.ErrorContext(ctx, "Failed to store received object",
			"message_id", msg.MessageID,
			"sop_instance_uid", msg.AffectedSOPInstanceUID,
			"error", err)
		response.Status = dimse.StatusFailure
	}

	return response, nil, nil
}

func (s *StoreService) store(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) error {
	if len(data) == 0 {
		return fmt.Errorf("C-STORE request carried no dataset")
	}

	transferSyntax := meta.TransferSyntaxUID
	if transferSyntax == "" {
		transferSyntax = types.ImplicitVRLittleEndian
	}

	dataset, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntax)
	if err != nil {
		return fmt.Errorf("failed to parse dataset: %w", err)
	}

	studyUID := dataset.GetString(tagStudyInstanceUID)
	seriesUID := dataset.GetString(tagSeriesInstanceUID)
	sopInstanceUID := dataset.GetString(tagSOPInstanceUID)
	if sopInstanceUID == "" {
		sopInstanceUID = msg.AffectedSOPInstanceUID
	}
	if studyUID == "" || seriesUID == "" || sopInstanceUID == "" {
		return fmt.Errorf("dataset is missing identifying UIDs (study=%q series=%q instance=%q)",
			studyUID, seriesUID, sopInstanceUID)
	}

	sopClassUID := msg.AffectedSOPClassUID
	if sopClassUID == "" {
		sopClassUID = dataset.GetString(tagSOPClassUID)
	}

	dir := filepath.Join(s.dir, studyUID, seriesUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	path := filepath.Join(dir, sopInstanceUID+".dcm")
	file := dicom.BuildPart10File(data, sopClassUID, sopInstanceUID, transferSyntax)
	if err := os.WriteFile(path, file, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}

	s.logger.InfoContext(ctx, "Stored received object",
		"path", path,
		"calling_ae", meta.CallingAETitle,
		"size_bytes", len(file))

	if s.publisher != nil {
		topic := meta.CalledAETitle + "\\" + studyUID + "\\" + seriesUID
		if err := s.publisher.PublishFile(topic, path); err != nil {
			return fmt.Errorf("failed to publish stored object: %w", err)
		}
	}

	return nil
}

// ReplaySpooled returns a subscription callback republishing objects already
// spooled for a topic. A MOVE sub-operation can land and be published before
// the requesting worker's subscription registers; replaying on subscribe
// closes that gap.
func ReplaySpooled(dir string, publisher Publisher, logger *slog.Logger) func(topic string) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(topic string) {
		// Topics are calledAE\studyUID\seriesUID, matching the spool layout
		// <dir>/<study UID>/<series UID>.
		parts := strings.Split(topic, "\\")
		if len(parts) != 3 {
			logger.Warn("Subscription topic is not replayable", "topic", topic)
			return
		}
		seriesDir := filepath.Join(dir, parts[1], parts[2])

		entries, err := os.ReadDir(seriesDir)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("Failed to read spool for replay", "topic", topic, "error", err)
			}
			return
		}

		replayed := 0
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dcm") {
				continue
			}
			path := filepath.Join(seriesDir, entry.Name())
			if err := publisher.PublishFile(topic, path); err != nil {
				logger.Warn("Failed to replay spooled object", "path", path, "error", err)
				continue
			}
			replayed++
		}
		if replayed > 0 {
			logger.Info("Replayed spooled objects", "topic", topic, "count", replayed)
		}
	}
}
