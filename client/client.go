// Package client implements the SCU side of the DIMSE protocol: association
// negotiation plus the C-ECHO, C-FIND, C-GET, C-MOVE, C-STORE and C-CANCEL
// services used by the transfer engine.
package client

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Client drives one DIMSE association at a time against a single remote
// archive. Opening while open is a programmer error; a Client is not safe for
// concurrent use.
type Client struct {
	addr   string
	config Config
	logger *slog.Logger

	assoc  *Association
	nextID uint16

	// pending tracks the in-flight operation so CancelPending can target it
	// from another goroutine.
	pendingMu  sync.Mutex
	pendingID  uint16
	pendingSOP string
}

// New creates a client for the archive at addr. The association is not opened
// until Open is called.
func New(addr string, config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:   addr,
		config: config,
		logger: logger.With("remote", addr),
	}
}

// Open establishes an association negotiated for the given service. It fails
// with ErrAlreadyOpen when an association is already up. Connection failures
// are retried up to the configured budget with a fixed delay and surface as a
// ConnectionError once the budget is spent.
func (c *Client) Open(service Service) error {
	if c.assoc != nil {
		return errors.ErrAlreadyOpen
	}

	delay := c.config.ConnectDelay
	if delay == 0 {
		delay = 5 * time.Second
	}
	retry := &backoff.Backoff{
		Min:    delay,
		Max:    delay,
		Factor: 1,
		Jitter: false,
	}

	var lastErr error
	attempts := c.config.ConnectRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retry.Duration())
			c.logger.Info("Retrying association",
				"service", service.String(),
				"attempt", attempt+1,
				"max_attempts", attempts)
		}

		assoc, err := Connect(c.addr, service, c.config)
		if err == nil {
			c.assoc = assoc
			c.nextID = 1
			return nil
		}
		lastErr = err
	}

	return errors.NewConnectionError("open "+service.String(), lastErr)
}

// Close releases the association gracefully.
func (c *Client) Close() error {
	if c.assoc == nil {
		return errors.ErrNotOpen
	}
	err := c.assoc.Close()
	c.assoc = nil
	return err
}

// Abort drops the association with an A-ABORT. Used when an in-association
// failure leaves the protocol state unusable.
func (c *Client) Abort() error {
	if c.assoc == nil {
		return errors.ErrNotOpen
	}
	err := c.assoc.Abort()
	c.assoc = nil
	return err
}

// IsOpen reports whether an association is currently established.
func (c *Client) IsOpen() bool {
	return c.assoc != nil
}

// messageID hands out association-unique DIMSE message IDs.
func (c *Client) messageID() uint16 {
	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return id
}

// Echo verifies the association with a C-ECHO round trip.
func (c *Client) Echo() error {
	if c.assoc == nil {
		return errors.ErrNotOpen
	}

	resp, err := c.assoc.SendCEcho(c.messageID())
	if err != nil {
		return errors.NewCommunicationError("echo", err)
	}
	if resp.Status != types.StatusSuccess {
		return errors.NewCommunicationError("echo",
			errors.NewDIMSEError("C-ECHO", resp.Status, ""))
	}
	return nil
}

// Cancel asks the SCP to stop sending pending responses for the operation
// identified by messageID. Best effort; there is no response.
func (c *Client) Cancel(messageID uint16, sopClassUID string) error {
	if c.assoc == nil {
		return errors.ErrNotOpen
	}
	return c.assoc.SendCCancel(messageID, sopClassUID)
}

// setPending records the in-flight operation for CancelPending.
func (c *Client) setPending(messageID uint16, sopClassUID string) {
	c.pendingMu.Lock()
	c.pendingID = messageID
	c.pendingSOP = sopClassUID
	c.pendingMu.Unlock()
}

func (c *Client) clearPending() {
	c.setPending(0, "")
}

// CancelPending sends a C-CANCEL for the operation currently in flight, if
// any. Safe to call from a watchdog goroutine while another goroutine blocks
// in Move or Find; writes and reads on the association travel in opposite
// directions.
func (c *Client) CancelPending() error {
	c.pendingMu.Lock()
	id, sop := c.pendingID, c.pendingSOP
	c.pendingMu.Unlock()

	if id == 0 {
		return nil
	}
	return c.Cancel(id, sop)
}

// queryRoot picks the information-model UID for an operation from what the
// peer accepted, preferring the patient root.
func (c *Client) queryRoot(patientRoot, studyRoot string) (string, error) {
	if _, err := c.assoc.GetPresentationContextID(patientRoot); err == nil {
		return patientRoot, nil
	}
	if _, err := c.assoc.GetPresentationContextID(studyRoot); err == nil {
		return studyRoot, nil
	}
	return "", fmt.Errorf("peer accepted neither patient-root nor study-root model")
}
