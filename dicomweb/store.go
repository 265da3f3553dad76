package dicomweb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// StoreInput is one Part 10 object for a STOW-RS store. Either Path or Data
// must be set; Data takes precedence.
type StoreInput struct {
	Path string
	Data []byte
}

// StoreSummary reports the outcome of a STOW-RS batch.
type StoreSummary struct {
	Succeeded int
	Failed    int
}

// Store sends every input to the archive, one STOW-RS request per object so
// a single rejected instance cannot fail a whole batch on the server side.
// The modifier, when non-nil, rewrites each dataset before it goes out; the
// file meta group is preserved as-is. Per-object failures are aggregated.
func (c *Client) Store(ctx context.Context, inputs []StoreInput, modifier *dicom.Modifier) (*StoreSummary, error) {
	summary := &StoreSummary{}
	var merr *multierror.Error

	for _, input := range inputs {
		name := input.Path
		if name == "" {
			name = "<memory>"
		}

		if err := c.storeOne(ctx, input, modifier); err != nil {
			summary.Failed++
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
			c.logger.Warn("store failed", "object", name, "error", err)
			continue
		}
		summary.Succeeded++
	}

	return summary, errors.AggregateFailures("store", summary.Failed, len(inputs), merr.ErrorOrNil())
}

// StoreFolder stores every .dcm file found under dir, recursively.
func (c *Client) StoreFolder(ctx context.Context, dir string, modifier *dicom.Modifier) (*StoreSummary, error) {
	var inputs []StoreInput
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".dcm") {
			inputs = append(inputs, StoreInput{Path: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return c.Store(ctx, inputs, modifier)
}

func (c *Client) storeOne(ctx context.Context, input StoreInput, modifier *dicom.Modifier) error {
	data := input.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(input.Path)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
	}

	if !modifier.Empty() {
		dataset, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(data)
		if err != nil {
			return fmt.Errorf("strip file meta: %w", err)
		}
		if transferSyntax == "" {
			transferSyntax = types.ImplicitVRLittleEndian
		}
		rewritten, err := modifier.Rewrite(dataset, transferSyntax)
		if err != nil {
			return fmt.Errorf("rewrite dataset: %w", err)
		}
		// The meta group is self-contained; only the dataset body changed.
		metaLen := len(data) - len(dataset)
		rebuilt := make([]byte, 0, metaLen+len(rewritten))
		rebuilt = append(rebuilt, data[:metaLen]...)
		data = append(rebuilt, rewritten...)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": []string{mimeDICOM}})
	if err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/studies", body)
	if err != nil {
		return fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("Content-Type",
		fmt.Sprintf(`multipart/related; type=%q; boundary=%s`, mimeDICOM, writer.Boundary()))
	req.Header.Set("Accept", mimeDICOMJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewCommunicationError("store", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return classifyStatus("store", resp.StatusCode)
	}
	return nil
}
