// Package operator hides the protocol choice behind one query/retrieve
// surface. Callers name an archive node; the operator picks DIMSE or
// DICOMweb from the node's declared capabilities, in a fixed preference
// order, and routes out-of-band MOVE results through the file relay.
package operator

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomtransfer/client"
	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dicomweb"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/models"
	"github.com/caio-sobreiro/dicomtransfer/relay"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// DIMSEClient is the association surface the operator drives. *client.Client
// satisfies it.
type DIMSEClient interface {
	Open(service client.Service) error
	Close() error
	Abort() error
	Echo() error
	Cancel(messageID uint16, sopClassUID string) error
	CancelPending() error
	Find(query *types.QueryRequest, level types.QueryLevel) iter.Seq2[*types.QueryResult, error]
	Get(query *types.QueryRequest, level types.QueryLevel, callback client.StoreCallback) (*client.RetrieveResult, error)
	Move(query *types.QueryRequest, level types.QueryLevel, destination string) (*client.MoveResult, error)
	Store(inputs []client.StoreInput, modifier *dicom.Modifier) (*client.StoreSummary, error)
}

// WebClient is the DICOMweb surface the operator drives. *dicomweb.Client
// satisfies it.
type WebClient interface {
	Search(ctx context.Context, query *types.QueryRequest, level types.QueryLevel) ([]*types.QueryResult, error)
	Retrieve(ctx context.Context, level types.QueryLevel, ids dicomweb.RetrieveIDs, callback func(data []byte) error) error
	RetrieveMetadata(ctx context.Context, level types.QueryLevel, ids dicomweb.RetrieveIDs) ([]json.RawMessage, error)
	Store(ctx context.Context, inputs []dicomweb.StoreInput, modifier *dicom.Modifier) (*dicomweb.StoreSummary, error)
}

// RelaySubscriber receives files a MOVE pushed at the receiver process.
// *relay.Client satisfies it.
type RelaySubscriber interface {
	Subscribe(ctx context.Context, topic string, handler relay.FileHandler) error
}

// Config wires one Operator.
type Config struct {
	// Node is the archive this operator talks to.
	Node *models.ServerNode
	// NodeName is used in errors and logs.
	NodeName string
	// LocalAETitle is the calling AE title of this process.
	LocalAETitle string
	// MoveDestinationAE is the receiver's AE title: MOVE destination and
	// relay topic prefix. Defaults to LocalAETitle.
	MoveDestinationAE string
	// RelayAddress is the receiver's relay endpoint, required for MOVE
	// retrieval.
	RelayAddress string
	// ExcludedModalities are skipped when enumerating series.
	ExcludedModalities []string
	// MoveIdleTimeout aborts a MOVE when no file arrived for this long.
	// Zero means 60 seconds.
	MoveIdleTimeout time.Duration
	// ConnectRetries and ConnectDelay configure association establishment.
	ConnectRetries int
	ConnectDelay   time.Duration

	Logger *slog.Logger

	// Test seams. Nil means the real implementations.
	NewDIMSE func() DIMSEClient
	Web      WebClient
	Relay    RelaySubscriber
}

// Operator is the single entry point for talking to one archive node.
type Operator struct {
	node     *models.ServerNode
	nodeName string
	localAE  string
	moveAE   string
	excluded []string
	idle     time.Duration
	logger   *slog.Logger

	newDIMSE func() DIMSEClient
	web      WebClient
	relay    RelaySubscriber
}

// New builds an operator for a server node.
func New(cfg Config) *Operator {
	op := &Operator{
		node:     cfg.Node,
		nodeName: cfg.NodeName,
		localAE:  cfg.LocalAETitle,
		moveAE:   cfg.MoveDestinationAE,
		excluded: cfg.ExcludedModalities,
		idle:     cfg.MoveIdleTimeout,
		logger:   cfg.Logger,
		newDIMSE: cfg.NewDIMSE,
		web:      cfg.Web,
		relay:    cfg.Relay,
	}
	if op.moveAE == "" {
		op.moveAE = cfg.LocalAETitle
	}
	if op.idle == 0 {
		op.idle = 60 * time.Second
	}
	if op.logger == nil {
		op.logger = slog.Default().With("node", cfg.NodeName)
	}
	if op.newDIMSE == nil {
		node := cfg.Node
		clientCfg := client.Config{
			CallingAETitle: cfg.LocalAETitle,
			CalledAETitle:  node.AETitle,
			ConnectRetries: cfg.ConnectRetries,
			ConnectDelay:   cfg.ConnectDelay,
		}
		op.newDIMSE = func() DIMSEClient {
			return client.New(node.Addr(), clientCfg)
		}
	}
	if op.web == nil && cfg.Node.RESTRoot != "" {
		op.web = dicomweb.New(dicomweb.Config{BaseURL: cfg.Node.RESTRoot})
	}
	if op.relay == nil && cfg.RelayAddress != "" {
		op.relay = relay.NewClient(cfg.RelayAddress)
	}
	return op
}

// canFind reports whether DIMSE find covers the level.
func (o *Operator) canFind(level types.QueryLevel) bool {
	if level == types.QueryLevelPatient {
		return o.node.PatientRootFind
	}
	return o.node.PatientRootFind || o.node.StudyRootFind
}

func (o *Operator) canGet() bool {
	return o.node.PatientRootGet || o.node.StudyRootGet
}

func (o *Operator) canMove() bool {
	return o.node.PatientRootMove || o.node.StudyRootMove
}

func (o *Operator) canQIDO() bool {
	return o.web != nil && o.node.QIDO
}

func (o *Operator) canWADO() bool {
	return o.web != nil && o.node.WADO
}

// normalizeQuery fills each protocol's required keys with empty-string
// placeholders and strips lone wildcards, which mean "no filter" on both
// protocols.
func normalizeQuery(q *types.QueryRequest) *types.QueryRequest {
	n := *q
	fields := []*string{
		&n.PatientName, &n.PatientID, &n.StudyInstanceUID, &n.StudyID,
		&n.StudyDate, &n.StudyTime, &n.AccessionNumber, &n.ReferringPhysician,
		&n.SeriesInstanceUID, &n.SOPInstanceUID, &n.InstanceNumber, &n.Modality,
	}
	for _, f := range fields {
		*f = strings.TrimSpace(*f)
		if *f == "*" {
			*f = ""
		}
	}
	return &n
}

// Verify pings the node: C-ECHO when any DIMSE capability is declared,
// otherwise a QIDO search for nothing.
func (o *Operator) Verify(ctx context.Context) error {
	if o.node.PatientRootFind || o.node.StudyRootFind || o.node.PatientRootGet ||
		o.node.StudyRootGet || o.node.PatientRootMove || o.node.StudyRootMove || o.node.Store {
		c := o.newDIMSE()
		if err := c.Open(client.ServiceEcho); err != nil {
			return err
		}
		defer c.Close()
		return c.Echo()
	}
	if o.canQIDO() {
		_, err := o.web.Search(ctx, &types.QueryRequest{StudyInstanceUID: "0"}, types.QueryLevelStudy)
		return err
	}
	return errors.NewValidationError("node %s declares no verifiable capability", o.nodeName)
}

// Query runs a find at the given level, DIMSE when the node can, DICOMweb
// otherwise.
func (o *Operator) Query(ctx context.Context, query *types.QueryRequest, level types.QueryLevel) ([]*types.QueryResult, error) {
	query = normalizeQuery(query)

	if o.canFind(level) {
		return o.queryDIMSE(query, level)
	}
	if o.canQIDO() && level != types.QueryLevelPatient {
		o.logger.Debug("querying over DICOMweb", "level", level)
		return o.web.Search(ctx, query, level)
	}
	return nil, errors.NewValidationError("node %s has no query capability for level %s", o.nodeName, level)
}

func (o *Operator) queryDIMSE(query *types.QueryRequest, level types.QueryLevel) ([]*types.QueryResult, error) {
	c := o.newDIMSE()
	if err := c.Open(client.ServiceFind); err != nil {
		return nil, err
	}
	defer c.Close()

	var results []*types.QueryResult
	for result, err := range c.Find(query, level) {
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// modalityExcluded reports whether a series modality is configured away.
func (o *Operator) modalityExcluded(modality string) bool {
	for _, m := range o.excluded {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}
