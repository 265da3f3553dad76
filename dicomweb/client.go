// Package dicomweb implements a QIDO-RS, WADO-RS and STOW-RS client for
// archives that expose the DICOMweb REST family instead of, or in addition
// to, classic DIMSE associations.
package dicomweb

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomtransfer/errors"
)

const (
	mimeDICOMJSON      = "application/dicom+json"
	mimeDICOM          = "application/dicom"
	mimeMultipartDICOM = `multipart/related; type="application/dicom"`
)

// Config holds DICOMweb client options.
type Config struct {
	// BaseURL is the service root, e.g. "http://pacs:8042/dicom-web".
	BaseURL string
	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
	// HTTPClient overrides the transport when set; Timeout is ignored then.
	HTTPClient *http.Client
}

// Client talks to one DICOMweb endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a DICOMweb client for the given endpoint.
func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		http:    httpClient,
		logger:  slog.Default().With("endpoint", config.BaseURL),
	}
}

// classifyStatus converts a non-success HTTP status into the error the
// transfer machinery retries on or gives up on. Statuses a busy or briefly
// broken archive produces map to a transient RetriableError; everything else
// is permanent. The resource-exhausted kind with its long delay is reserved
// for local conditions like a full destination disk, not remote load.
func classifyStatus(op string, status int) error {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return errors.NewRetriableError(errors.RetryTransient,
			fmt.Sprintf("%s: server busy (HTTP %d)", op, status), nil)
	case http.StatusRequestTimeout, http.StatusConflict,
		http.StatusInternalServerError, http.StatusGatewayTimeout:
		return errors.NewRetriableError(errors.RetryTransient,
			fmt.Sprintf("%s: transient server error (HTTP %d)", op, status), nil)
	}
	return fmt.Errorf("%s: unexpected HTTP status %d", op, status)
}
