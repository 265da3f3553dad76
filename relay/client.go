package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// FileHandler receives one relayed file. It owns the passed bytes. Returning
// done stops the subscription cleanly.
type FileHandler func(data []byte) (done bool, err error)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the logger used by the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialTimeout bounds the connect. Zero means 10 seconds.
func WithDialTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.dialTimeout = timeout
	}
}

// Client subscribes to topics on a relay server.
type Client struct {
	addr        string
	dialTimeout time.Duration
	logger      *slog.Logger
}

// NewClient builds a relay client for the given server address.
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{addr: address, dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("relay", address)
	}
	return c
}

// Subscribe connects, sends the topic line and then delivers every relayed
// file to the handler in arrival order. When the handler reports done the
// client half-closes its write side and drains until the server closes, so
// an in-flight frame cannot corrupt a connection the server still writes to.
// Cancelling the context aborts the subscription.
func (c *Client) Subscribe(ctx context.Context, topic string, handler FileHandler) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(topic + "\n")); err != nil {
		return fmt.Errorf("send topic: %w", err)
	}
	c.logger.Debug("subscribed", "topic", topic)

	// Unblock reads when the context ends.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read frame header: %w", err)
		}

		size := binary.BigEndian.Uint32(header[:])
		data := make([]byte, size)
		if _, err := io.ReadFull(conn, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame body (%d bytes): %w", size, err)
		}

		done, err := handler(data)
		if err != nil {
			return fmt.Errorf("file handler: %w", err)
		}
		if done {
			break
		}
	}

	// Signal the server we are finished and wait for it to close.
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}
	_, _ = io.Copy(io.Discard, conn)
	c.logger.Debug("unsubscribed", "topic", topic)
	return nil
}
