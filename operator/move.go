package operator

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/caio-sobreiro/dicomtransfer/client"
	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dicomweb"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// MoveStudy pushes every retained series of a study to another AE title,
// one C-MOVE per series over a shared association. Series failures
// aggregate: some failed while others succeeded is a partial failure, all
// failed is a full failure.
func (o *Operator) MoveStudy(ctx context.Context, query *types.QueryRequest, destination string) error {
	query = normalizeQuery(query)
	if query.StudyInstanceUID == "" {
		return errors.NewValidationError("move study requires a study instance UID")
	}
	if !o.canMove() {
		return errors.NewValidationError("node %s has no move capability", o.nodeName)
	}

	seriesList, err := o.Query(ctx, query, types.QueryLevelSeries)
	if err != nil {
		return fmt.Errorf("enumerate series: %w", err)
	}

	var wanted []*types.QueryResult
	for _, series := range seriesList {
		if o.modalityExcluded(series.Modality) {
			continue
		}
		wanted = append(wanted, series)
	}
	if len(wanted) == 0 {
		return errors.NewValidationError("study %s has no series to move", query.StudyInstanceUID)
	}

	c := o.newDIMSE()
	if err := c.Open(client.ServiceMove); err != nil {
		return err
	}
	defer c.Close()

	var merr *multierror.Error
	failed := 0
	for _, series := range wanted {
		seriesQuery := *query
		seriesQuery.SeriesInstanceUID = series.SeriesInstanceUID

		result, err := c.Move(&seriesQuery, types.QueryLevelSeries, destination)
		switch {
		case err != nil:
			failed++
			merr = multierror.Append(merr, fmt.Errorf("series %s: %w", series.SeriesInstanceUID, err))
		case result.Status != dimse.StatusSuccess || result.Failed > 0:
			failed++
			merr = multierror.Append(merr, fmt.Errorf(
				"series %s: move finished with status 0x%04X, %d failed sub-operations",
				series.SeriesInstanceUID, result.Status, result.Failed))
		default:
			o.logger.Info("series moved",
				"series", series.SeriesInstanceUID, "destination", destination,
				"objects", result.Completed)
		}
	}

	return errors.AggregateFailures("move study "+query.StudyInstanceUID,
		failed, len(wanted), merr.ErrorOrNil())
}

// Upload sends local Part 10 files to the node, C-STORE when the node
// accepts associations for storage, STOW-RS otherwise. The modifier, when
// non-nil, rewrites each dataset in transit.
func (o *Operator) Upload(ctx context.Context, paths []string, modifier *dicom.Modifier) error {
	if len(paths) == 0 {
		return errors.NewValidationError("nothing to upload")
	}

	if o.node.Store {
		c := o.newDIMSE()
		if err := c.Open(client.ServiceStore); err != nil {
			return err
		}
		defer c.Close()

		inputs := make([]client.StoreInput, len(paths))
		for i, path := range paths {
			inputs[i] = client.StoreInput{Path: path}
		}
		summary, err := c.Store(inputs, modifier)
		if err != nil {
			return err
		}
		o.logger.Info("upload finished",
			"succeeded", summary.Succeeded, "warnings", summary.Warnings)
		return nil
	}

	if o.web != nil && o.node.STOW {
		inputs := make([]dicomweb.StoreInput, len(paths))
		for i, path := range paths {
			inputs[i] = dicomweb.StoreInput{Path: path}
		}
		summary, err := o.web.Store(ctx, inputs, modifier)
		if err != nil {
			return err
		}
		o.logger.Info("upload finished over DICOMweb", "succeeded", summary.Succeeded)
		return nil
	}

	return errors.NewValidationError("node %s has no store capability", o.nodeName)
}
