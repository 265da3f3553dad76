// Package executor runs one transfer task end to end: resolve identities at
// the source, download the study, pseudonymize when asked, deliver to the
// destination. It decides nothing about retries; it returns an outcome and a
// message, and the worker owns every status mutation.
package executor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caio-sobreiro/dicomtransfer/config"
	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/models"
	"github.com/caio-sobreiro/dicomtransfer/operator"
	"github.com/caio-sobreiro/dicomtransfer/store"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// SourceOperator is the operator surface the executor drives.
// *operator.Operator satisfies it.
type SourceOperator interface {
	Query(ctx context.Context, query *types.QueryRequest, level types.QueryLevel) ([]*types.QueryResult, error)
	DownloadStudy(ctx context.Context, query *types.QueryRequest, destDir string, onlySeries []string) error
	Upload(ctx context.Context, paths []string, modifier *dicom.Modifier) error
}

// Result is the executor's verdict on one task. Status is SUCCESS or
// WARNING; failures travel as errors so the worker can classify them.
type Result struct {
	Status  models.TaskStatus
	Message string
	Log     string
}

// Executor executes transfer tasks.
type Executor struct {
	repos    store.Repositories
	settings config.Settings
	workRoot string
	logger   *slog.Logger

	newOperator func(node *models.ServerNode, name string) SourceOperator
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithWorkRoot sets the scratch directory for downloads. Defaults to the OS
// temp directory.
func WithWorkRoot(dir string) Option {
	return func(e *Executor) {
		e.workRoot = dir
	}
}

// WithOperatorFactory injects the operator constructor, for tests.
func WithOperatorFactory(fn func(node *models.ServerNode, name string) SourceOperator) Option {
	return func(e *Executor) {
		e.newOperator = fn
	}
}

// New builds an executor over the given repositories and settings.
func New(repos store.Repositories, settings config.Settings, opts ...Option) *Executor {
	e := &Executor{
		repos:    repos,
		settings: settings,
		workRoot: os.TempDir(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.newOperator == nil {
		e.newOperator = func(node *models.ServerNode, name string) SourceOperator {
			return operator.New(operator.Config{
				Node:               node,
				NodeName:           name,
				LocalAETitle:       settings.CallingAETitle,
				MoveDestinationAE:  settings.ReceiverAET,
				RelayAddress:       settings.RelayAddr,
				ExcludedModalities: settings.ExcludedModalities,
				MoveIdleTimeout:    settings.RelayIdleTimeout,
				ConnectRetries:     settings.ConnectRetries,
				ConnectDelay:       settings.ConnectDelay,
				Logger:             e.logger.With("node", name),
			})
		}
	}
	return e
}

// Kind returns the task kind this executor handles.
func (e *Executor) Kind() string {
	return models.TaskKindTransfer
}

// Execute runs one transfer task. The returned error classifies the failure
// (ValidationError terminal, RetriableError re-queued, anything else a
// permanent task failure); the Result is non-nil only on success or warning.
func (e *Executor) Execute(ctx context.Context, task *models.DicomTask) (*Result, error) {
	job, err := e.repos.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", task.JobID, err)
	}

	source, err := e.serverNode(ctx, task.SourceNode)
	if err != nil {
		return nil, err
	}
	dest, err := e.repos.GetNode(ctx, task.DestNode)
	if err != nil {
		return nil, fmt.Errorf("load destination node %s: %w", task.DestNode, err)
	}

	op := e.newOperator(source.Server, source.Name)

	study, err := e.resolve(ctx, op, task)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp(e.workRoot, fmt.Sprintf("transfer-task-%d-", task.ID))
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	query := &types.QueryRequest{
		PatientID:        task.PatientID,
		StudyInstanceUID: task.StudyUID,
	}
	// A partial download still delivers what arrived; the task surfaces it
	// as a warning. Anything else fails the task.
	downloadErr := op.DownloadStudy(ctx, query, workDir, task.SeriesUIDs)
	if downloadErr != nil {
		if _, ok := errors.AsPartial(downloadErr); !ok {
			return nil, downloadErr
		}
	}

	modifier := e.modifier(task)
	destName := destinationName(job)

	if err := e.dispatch(ctx, dest, workDir, destName, modifier); err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Study %s transferred to %s.", study.StudyInstanceUID, task.DestNode)
	if downloadErr != nil {
		return &Result{
			Status:  models.TaskWarning,
			Message: fmt.Sprintf("Study %s transferred incompletely to %s.", study.StudyInstanceUID, task.DestNode),
			Log:     downloadErr.Error(),
		}, nil
	}
	return &Result{Status: models.TaskSuccess, Message: message}, nil
}

// serverNode loads a node and requires the server variant.
func (e *Executor) serverNode(ctx context.Context, name string) (*models.DicomNode, error) {
	node, err := e.repos.GetNode(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load source node %s: %w", name, err)
	}
	if node.Kind != models.NodeKindServer || node.Server == nil {
		return nil, errors.NewValidationError("source node %s is not a server", name)
	}
	return node, nil
}

// resolve checks the task's identifiers against the source archive: the
// patient must match exactly one patient, the study exactly one study, and
// every requested series must exist in that study.
func (e *Executor) resolve(ctx context.Context, op SourceOperator, task *models.DicomTask) (*types.QueryResult, error) {
	if task.StudyUID == "" {
		return nil, errors.NewValidationError("task %d names no study", task.ID)
	}

	studies, err := op.Query(ctx, &types.QueryRequest{PatientID: task.PatientID}, types.QueryLevelStudy)
	if err != nil {
		return nil, fmt.Errorf("resolve patient %q: %w", task.PatientID, err)
	}

	patients := make(map[string]struct{})
	var study *types.QueryResult
	studyMatches := 0
	for _, s := range studies {
		patients[s.PatientID] = struct{}{}
		if s.StudyInstanceUID == task.StudyUID {
			studyMatches++
			study = s
		}
	}

	switch len(patients) {
	case 0:
		return nil, errors.NewValidationError("patient %q not found at %s", task.PatientID, task.SourceNode)
	case 1:
	default:
		return nil, errors.NewValidationError("patient %q matches %d patients at %s",
			task.PatientID, len(patients), task.SourceNode)
	}

	switch studyMatches {
	case 0:
		return nil, errors.NewValidationError("study %s not found for patient %q", task.StudyUID, task.PatientID)
	case 1:
	default:
		return nil, errors.NewValidationError("study %s matches %d studies", task.StudyUID, studyMatches)
	}

	if len(task.SeriesUIDs) > 0 {
		seriesList, err := op.Query(ctx, &types.QueryRequest{StudyInstanceUID: task.StudyUID}, types.QueryLevelSeries)
		if err != nil {
			return nil, fmt.Errorf("resolve series of study %s: %w", task.StudyUID, err)
		}
		present := make(map[string]struct{}, len(seriesList))
		for _, s := range seriesList {
			present[s.SeriesInstanceUID] = struct{}{}
		}
		for _, uid := range task.SeriesUIDs {
			if _, ok := present[uid]; !ok {
				return nil, errors.NewValidationError("series %s not found in study %s", uid, task.StudyUID)
			}
		}
	}

	return study, nil
}

// modifier builds the pseudonymization modifier for a task, nil when no
// pseudonym is set.
func (e *Executor) modifier(task *models.DicomTask) *dicom.Modifier {
	if task.Pseudonym == "" {
		return nil
	}
	m := &dicom.Modifier{
		PatientID:                 task.Pseudonym,
		PatientName:               task.Pseudonym,
		ClinicalTrialProtocolID:   e.settings.TrialProtocolID,
		ClinicalTrialProtocolName: e.settings.TrialProtocolName,
	}
	if e.settings.TrialProtocolID != "" {
		m.Comments = fmt.Sprintf("Project:%s Subject:%s", e.settings.TrialProtocolID, task.Pseudonym)
	} else {
		m.Comments = "Subject:" + task.Pseudonym
	}
	return m
}

// destinationName derives the deterministic destination folder or archive
// entry name for a job.
func destinationName(job *models.DicomJob) string {
	owner := operator.SanitizeName(job.Owner)
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("%d-%s-%s", job.ID, job.CreatedAt.Format("20060102"), owner)
}

// collectFiles lists every regular file under root, relative paths sorted by
// walk order.
func collectFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect files under %s: %w", root, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files were downloaded under %s", root)
	}
	return paths, nil
}

// dispatch delivers the downloaded tree to the destination node.
func (e *Executor) dispatch(ctx context.Context, dest *models.DicomNode, workDir, destName string, modifier *dicom.Modifier) error {
	switch {
	case dest.Kind == models.NodeKindServer && dest.Server != nil:
		paths, err := collectFiles(workDir)
		if err != nil {
			return err
		}
		destOp := e.newOperator(dest.Server, dest.Name)
		return destOp.Upload(ctx, paths, modifier)

	case dest.Kind == models.NodeKindFolder && dest.Folder != nil:
		if dest.Folder.ArchivePassword != "" {
			return e.deliverArchive(dest.Folder, workDir, destName, modifier)
		}
		return e.deliverFolder(dest.Folder, workDir, destName, modifier)
	}
	return errors.NewValidationError("destination node %s has no usable variant", dest.Name)
}

// rewriteFile applies the modifier to one Part 10 file's bytes.
func rewriteFile(data []byte, modifier *dicom.Modifier) ([]byte, error) {
	if modifier.Empty() {
		return data, nil
	}
	dataset, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(data)
	if err != nil {
		return nil, fmt.Errorf("strip file meta: %w", err)
	}
	if transferSyntax == "" {
		transferSyntax = types.ImplicitVRLittleEndian
	}
	rewritten, err := modifier.Rewrite(dataset, transferSyntax)
	if err != nil {
		return nil, fmt.Errorf("rewrite dataset: %w", err)
	}
	metaLen := len(data) - len(dataset)
	out := make([]byte, 0, metaLen+len(rewritten))
	out = append(out, data[:metaLen]...)
	return append(out, rewritten...), nil
}

// relPathsUnder maps each file under root to its path relative to root.
func relPathsUnder(root string, paths []string) ([]string, error) {
	rels := make([]string, len(paths))
	for i, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		rels[i] = filepath.ToSlash(rel)
	}
	return rels, nil
}

// treeSize sums the file sizes under root.
func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// sanitizeRel cleans every component of a relative path.
func sanitizeRel(rel string) string {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if s := operator.SanitizeName(part); s != "" {
			parts[i] = s
		}
	}
	return filepath.Join(parts...)
}
