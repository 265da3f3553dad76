// Package relay forwards files received out-of-band to the process that
// asked for them. A DICOM MOVE pushes images at a receiver's inbound port
// rather than back to the requester; the receiver publishes each stored file
// here under a topic (peer identifier plus study and series UIDs) and the
// requester subscribes to that topic over a plain TCP channel.
package relay

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
)

// SubscribeFunc runs when a session subscribes to a topic, before any file
// flows. A server owner can use it to replay files buffered for that topic.
type SubscribeFunc func(topic string)

// ServerOption configures a Server instance.
type ServerOption func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSubscribeCallback sets the callback invoked on each new subscription.
func WithSubscribeCallback(fn SubscribeFunc) ServerOption {
	return func(s *Server) {
		s.onSubscribe = fn
	}
}

// Server accepts subscriber connections and streams published files to every
// session subscribed to the file's topic.
type Server struct {
	logger      *slog.Logger
	onSubscribe SubscribeFunc

	mu       sync.Mutex
	sessions map[string][]*session
}

// session is one subscriber connection. Writes are serialized per session so
// concurrent publishes cannot interleave frames.
type session struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewServer builds a relay server.
func NewServer(opts ...ServerOption) *Server {
	srv := &Server{sessions: make(map[string][]*session)}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	return srv
}

// ListenAndServe listens on the given address and serves until the context
// is done or an error occurs.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()
	return s.Serve(ctx, listener)
}

// Serve accepts subscriber connections from listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info("relay listening", "address", listener.Addr().String())

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConn(c)
		}(conn)
	}

	wg.Wait()
	return nil
}

// handleConn performs the topic handshake, registers the session and then
// blocks until the subscriber half-closes or drops. Closing the connection
// at the end is the acknowledgement a half-closed subscriber waits for.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	topic, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.logger.Warn("relay handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	topic = strings.TrimRight(topic, "\r\n")
	if topic == "" {
		s.logger.Warn("relay subscriber sent empty topic", "remote", conn.RemoteAddr().String())
		return
	}

	sess := &session{conn: conn}
	s.register(topic, sess)
	defer s.unregister(topic, sess)

	s.logger.Info("relay subscriber joined", "topic", topic, "remote", conn.RemoteAddr().String())
	if s.onSubscribe != nil {
		s.onSubscribe(topic)
	}

	// The subscriber never sends after the handshake; a read returning
	// means it half-closed (EOF) or dropped.
	_, _ = io.Copy(io.Discard, conn)
	s.logger.Info("relay subscriber left", "topic", topic)
}

func (s *Server) register(topic string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[topic] = append(s.sessions[topic], sess)
}

func (s *Server) unregister(topic string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[topic]
	for i, candidate := range list {
		if candidate == sess {
			s.sessions[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.sessions[topic]) == 0 {
		delete(s.sessions, topic)
	}
}

// SubscriberCount returns how many sessions are subscribed to a topic.
func (s *Server) SubscriberCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[topic])
}

// PublishFile streams one file to every session currently subscribed to the
// topic: a 4-byte big-endian length prefix, then the file bytes in bounded
// chunks. Socket backpressure throttles the copy. A session whose write
// fails is dropped; other sessions still receive the file.
func (s *Server) PublishFile(topic, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > int64(^uint32(0)) {
		return fmt.Errorf("file %s exceeds the frame size limit", path)
	}
	size := uint32(info.Size())

	s.mu.Lock()
	targets := append([]*session(nil), s.sessions[topic]...)
	s.mu.Unlock()

	if len(targets) == 0 {
		s.logger.Debug("publish with no subscribers", "topic", topic, "file", path)
		return nil
	}

	buf := make([]byte, 128*1024)
	for _, sess := range targets {
		if err := sess.sendFile(file, size, buf); err != nil {
			s.logger.Warn("relay write failed, dropping session",
				"topic", topic, "remote", sess.conn.RemoteAddr().String(), "error", err)
			s.unregister(topic, sess)
			_ = sess.conn.Close()
		}
	}

	s.logger.Debug("published file", "topic", topic, "file", path,
		"size", size, "subscribers", len(targets))
	return nil
}

func (sess *session) sendFile(file *os.File, size uint32, buf []byte) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], size)
	if _, err := sess.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := io.CopyBuffer(sess.conn, io.LimitReader(file, int64(size)), buf)
	return err
}
