package operator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomtransfer/client"
	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dicomweb"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

var (
	tagSOPClassUID    = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID = dicom.Tag{Group: 0x0008, Element: 0x0018}
)

// DownloadStudy fetches the series of a study into destDir, one sanitized
// subfolder per series. A non-empty onlySeries restricts the download to
// those series UIDs; series whose modality is excluded by configuration are
// skipped either way. Per-series failures do not stop the remaining series;
// they aggregate into a partial or full failure.
func (o *Operator) DownloadStudy(ctx context.Context, query *types.QueryRequest, destDir string, onlySeries []string) error {
	query = normalizeQuery(query)
	if query.StudyInstanceUID == "" {
		return errors.NewValidationError("download study requires a study instance UID")
	}

	seriesList, err := o.Query(ctx, query, types.QueryLevelSeries)
	if err != nil {
		return fmt.Errorf("enumerate series: %w", err)
	}

	subset := make(map[string]struct{}, len(onlySeries))
	for _, uid := range onlySeries {
		subset[uid] = struct{}{}
	}

	var wanted []*types.QueryResult
	for _, series := range seriesList {
		if len(subset) > 0 {
			if _, ok := subset[series.SeriesInstanceUID]; !ok {
				continue
			}
		}
		if o.modalityExcluded(series.Modality) {
			o.logger.Info("skipping excluded modality",
				"series", series.SeriesInstanceUID, "modality", series.Modality)
			continue
		}
		wanted = append(wanted, series)
	}
	if len(wanted) == 0 {
		return errors.NewValidationError("study %s has no series to download", query.StudyInstanceUID)
	}

	folders := seriesFolderNames(wanted)

	var merr *multierror.Error
	failed := 0
	for i, series := range wanted {
		seriesQuery := *query
		seriesQuery.SeriesInstanceUID = series.SeriesInstanceUID

		dir := filepath.Join(destDir, folders[i])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create series folder: %w", err)
		}

		if err := o.DownloadSeries(ctx, &seriesQuery, dir); err != nil {
			failed++
			merr = multierror.Append(merr, fmt.Errorf("series %s: %w", series.SeriesInstanceUID, err))
			o.logger.Warn("series download failed",
				"series", series.SeriesInstanceUID, "error", err)
		}
	}

	return errors.AggregateFailures("download study "+query.StudyInstanceUID,
		failed, len(wanted), merr.ErrorOrNil())
}

// seriesFolderNames derives one folder name per series from its description,
// deduplicating collisions with a numeric suffix.
func seriesFolderNames(series []*types.QueryResult) []string {
	names := make([]string, len(series))
	used := make(map[string]int)
	for i, s := range series {
		name := SanitizeName(s.SeriesDescription)
		if name == "" && s.SeriesNumber != "" {
			name = "series_" + SanitizeName(s.SeriesNumber)
		}
		if name == "" {
			name = SanitizeName(s.SeriesInstanceUID)
		}
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		names[i] = name
	}
	return names
}

// SanitizeName keeps a filesystem-safe subset of the input.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// DownloadSeries fetches one series into dir, picking the retrieval method
// in strict preference order: in-band C-GET, then WADO bulk retrieve, then
// out-of-band C-MOVE relayed by the receiver process.
func (o *Operator) DownloadSeries(ctx context.Context, query *types.QueryRequest, dir string) error {
	query = normalizeQuery(query)
	if query.StudyInstanceUID == "" || query.SeriesInstanceUID == "" {
		return errors.NewValidationError("download series requires study and series instance UIDs")
	}

	switch {
	case o.canGet():
		return o.downloadSeriesGet(query, dir)
	case o.canWADO():
		return o.downloadSeriesWADO(ctx, query, dir)
	case o.canMove() && o.relay != nil:
		return o.downloadSeriesMove(ctx, query, dir)
	}
	return errors.NewValidationError("node %s has no retrieval capability", o.nodeName)
}

func (o *Operator) downloadSeriesGet(query *types.QueryRequest, dir string) error {
	c := o.newDIMSE()
	if err := c.Open(client.ServiceGet); err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Get(query, types.QueryLevelSeries, func(obj *client.StoredObject) error {
		file := dicom.BuildPart10File(obj.Data, obj.SOPClassUID, obj.SOPInstanceUID, obj.TransferSyntax)
		return os.WriteFile(filepath.Join(dir, obj.SOPInstanceUID+".dcm"), file, 0o644)
	})
	if err != nil {
		return err
	}
	if result.Status != dimse.StatusSuccess || result.Failed > 0 {
		return fmt.Errorf("retrieve of series %s finished with status 0x%04X, %d failed sub-operations",
			query.SeriesInstanceUID, result.Status, result.Failed)
	}
	o.logger.Info("series retrieved in-band",
		"series", query.SeriesInstanceUID, "objects", result.Completed)
	return nil
}

func (o *Operator) downloadSeriesWADO(ctx context.Context, query *types.QueryRequest, dir string) error {
	ids := dicomweb.RetrieveIDs{
		StudyInstanceUID:  query.StudyInstanceUID,
		SeriesInstanceUID: query.SeriesInstanceUID,
	}

	// Header-only enumeration sizes the series without moving pixel data.
	// Nodes without a metadata endpoint skip the completeness check.
	expected := -1
	if metadata, err := o.web.RetrieveMetadata(ctx, types.QueryLevelSeries, ids); err != nil {
		o.logger.Warn("metadata enumeration failed, skipping completeness check",
			"series", query.SeriesInstanceUID, "error", err)
	} else {
		expected = len(metadata)
	}

	count := 0
	err := o.web.Retrieve(ctx, types.QueryLevelSeries, ids, func(data []byte) error {
		count++
		return writeReceivedObject(dir, data)
	})
	if err != nil {
		return err
	}
	if expected >= 0 && count < expected {
		return fmt.Errorf("series %s incomplete: received %d of %d objects",
			query.SeriesInstanceUID, count, expected)
	}
	o.logger.Info("series retrieved over DICOMweb",
		"series", query.SeriesInstanceUID, "objects", count)
	return nil
}

// writeReceivedObject stores one received object under its SOP instance UID,
// falling back to a random name when the UID cannot be read.
func writeReceivedObject(dir string, data []byte) error {
	name := uuid.NewString()
	if uid, _ := receivedObjectUID(data); uid != "" {
		name = uid
	}
	return os.WriteFile(filepath.Join(dir, name+".dcm"), data, 0o644)
}

// receivedObjectUID extracts the SOP instance UID from a Part 10 file or a
// bare Implicit VR dataset.
func receivedObjectUID(data []byte) (string, error) {
	payload := data
	transferSyntax := types.ImplicitVRLittleEndian
	if dicom.HasPart10Header(data) {
		stripped, ts, err := dicom.StripPart10HeaderWithTransferSyntax(data)
		if err != nil {
			return "", err
		}
		payload = stripped
		if ts != "" {
			transferSyntax = ts
		}
	}
	ds, err := dicom.ParseDatasetWithTransferSyntax(payload, transferSyntax)
	if err != nil {
		return "", err
	}
	return ds.GetString(tagSOPInstanceUID), nil
}

// downloadSeriesMove retrieves a series via out-of-band MOVE. The archive
// pushes at the receiver process, which publishes each stored file on the
// relay; this method subscribes to the topic, reconciles arrivals against
// the expected manifest and aborts the association when the stream stalls.
func (o *Operator) downloadSeriesMove(ctx context.Context, query *types.QueryRequest, dir string) error {
	instances, err := o.Query(ctx, query, types.QueryLevelImage)
	if err != nil {
		return fmt.Errorf("build expected manifest: %w", err)
	}
	if len(instances) == 0 {
		return errors.NewValidationError("series %s has no instances at %s",
			query.SeriesInstanceUID, o.nodeName)
	}

	expected := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		expected[inst.SOPInstanceUID] = struct{}{}
	}
	total := len(expected)

	topic := o.moveAE + "\\" + query.StudyInstanceUID + "\\" + query.SeriesInstanceUID
	mc := o.newDIMSE()

	var (
		mu       sync.Mutex
		received int
		lastFile = time.Now()
		timedOut bool
	)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	var g errgroup.Group

	// Consumer: files pushed at the receiver arrive here via the relay.
	g.Go(func() error {
		err := o.relay.Subscribe(subCtx, topic, func(data []byte) (bool, error) {
			if err := writeReceivedObject(dir, data); err != nil {
				return false, err
			}
			uid, _ := receivedObjectUID(data)

			mu.Lock()
			delete(expected, uid)
			received++
			lastFile = time.Now()
			done := len(expected) == 0
			mu.Unlock()
			return done, nil
		})
		if err == context.Canceled {
			return nil
		}
		return err
	})

	// Producer: the MOVE association itself.
	var moveErr error
	g.Go(func() error {
		if err := mc.Open(client.ServiceMove); err != nil {
			moveErr = err
			subCancel()
			return nil
		}
		defer mc.Close()

		result, err := mc.Move(query, types.QueryLevelSeries, o.moveAE)
		switch {
		case err != nil:
			moveErr = err
		case result.Status != dimse.StatusSuccess:
			moveErr = fmt.Errorf("move finished with status 0x%04X, %d failed sub-operations",
				result.Status, result.Failed)
		}
		return nil
	})

	// Watchdog: once per second, abort everything when no file arrived
	// inside the idle window. C-CANCEL first so the SCP stops dispatching
	// sub-operations, then the association abort.
	watchdogStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogStop:
				return
			case <-ticker.C:
				mu.Lock()
				stalled := len(expected) > 0 && time.Since(lastFile) > o.idle
				if stalled {
					timedOut = true
				}
				mu.Unlock()
				if stalled {
					o.logger.Warn("move stalled, aborting",
						"series", query.SeriesInstanceUID, "idle", o.idle)
					_ = mc.CancelPending()
					_ = mc.Abort()
					subCancel()
					return
				}
			}
		}
	}()

	relayErr := g.Wait()
	close(watchdogStop)

	mu.Lock()
	missing := make([]string, 0, len(expected))
	for uid := range expected {
		missing = append(missing, uid)
	}
	got := received
	wasTimeout := timedOut
	mu.Unlock()
	sort.Strings(missing)

	if len(missing) > 0 {
		if got == 0 {
			if moveErr != nil {
				return fmt.Errorf("no images received for series %s from %s: %w",
					query.SeriesInstanceUID, o.nodeName, moveErr)
			}
			return fmt.Errorf("no images received for series %s from %s",
				query.SeriesInstanceUID, o.nodeName)
		}
		return fmt.Errorf("series %s incomplete: received %d of %d, missing instances %s",
			query.SeriesInstanceUID, got, total, strings.Join(missing, ", "))
	}

	if relayErr != nil {
		return relayErr
	}
	// Everything expected arrived; a move error after that point (including
	// the abort we triggered ourselves) does not make the series incomplete.
	if moveErr != nil && !wasTimeout {
		o.logger.Warn("move reported an error but all instances arrived", "error", moveErr)
	}

	o.logger.Info("series retrieved via relay",
		"series", query.SeriesInstanceUID, "objects", got)
	return nil
}
