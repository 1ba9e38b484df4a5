// Package session implements the Session Server: the TCP accept
// loop and per-connection protocol state machine for the Codec8
// ingestion port — identifier handshake, length-prefixed framing
// across partial reads, and per-packet acknowledgement.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/haulfleet/ingestd/internal/codec"
	"github.com/haulfleet/ingestd/internal/ingest"
)

// ErrBadIdentifier is returned when the handshake's announced length
// or identifier bytes are malformed.
var ErrBadIdentifier = errors.New("session: bad identifier")

// ErrOversizedFrame is returned when a declared frame would exceed
// the configured byte cap.
var ErrOversizedFrame = errors.New("session: oversized frame")

const maxIdentifierLen = 64

// Config holds the server's tunables (TCP_PORT, FRAME_CAP_BYTES,
// SESSION_IDLE_MS).
type Config struct {
	Port          int
	FrameCapBytes int
	IdleTimeout   time.Duration
	WorkerCount   int
}

// Counters is the narrow metrics surface the server increments as it
// runs; internal/metrics supplies the concrete implementation.
type Counters interface {
	IngestionRecordsIngested(n int)
	IngestionRecordsDropped(reason string)
	IngestionRecordsSkipped(n int)
	IngestionUnauthorizedPackets()
}

// Server accepts connections on the configured TCP port and runs one
// state machine per connection, sharing a bounded Pool for the
// downstream ingestion calls.
type Server struct {
	cfg      Config
	ingester *ingest.Service
	pool     *Pool
	logger   *zap.Logger
	counters Counters
}

func New(cfg Config, ingester *ingest.Service, logger *zap.Logger, counters Counters) *Server {
	if cfg.FrameCapBytes <= 0 {
		cfg.FrameCapBytes = 1 << 20 // 1 MiB
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Server{
		cfg:      cfg,
		ingester: ingester,
		pool:     NewPool(cfg.WorkerCount, 0),
		logger:   logger,
		counters: counters,
	}
}

// ListenAndServe blocks accepting connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("session: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accept failed", zap.Error(err))
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Stop drains the worker pool. Call after ListenAndServe's context is
// cancelled.
func (s *Server) Stop() {
	s.pool.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))

	identifier, err := s.readIdentifier(conn)
	if err != nil {
		logger.Warn("handshake failed", zap.Error(err))
		conn.Write([]byte{0x00})
		return
	}
	if _, err := conn.Write([]byte{0x01}); err != nil {
		return
	}
	logger = logger.With(zap.String("identifier", identifier))

	s.framingLoop(ctx, conn, identifier, logger)
}

// readIdentifier reads the 2-byte length-prefixed identifier per the
// handshake. Acceptance is unconditional at this stage; only the
// length/charset are validated here. Per-packet authorization happens
// downstream in the ingestion service.
func (s *Server) readIdentifier(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadIdentifier, err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 || length > maxIdentifierLen {
		return "", ErrBadIdentifier
	}

	idBuf := make([]byte, length)
	if _, err := io.ReadFull(conn, idBuf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadIdentifier, err)
	}
	for _, b := range idBuf {
		if !unicode.IsPrint(rune(b)) || b > unicode.MaxASCII {
			return "", ErrBadIdentifier
		}
	}
	return string(idBuf), nil
}

// framingLoop reads the connection as a byte stream, slicing out and
// handling complete frames as they accumulate, until the connection
// closes or idles out. The read deadline is refreshed only once a
// complete frame has been spliced off, so a device that never
// finishes a frame is still closed out after IdleTimeout rather than
// having its deadline extended on every trickling byte.
func (s *Server) framingLoop(ctx context.Context, conn net.Conn, identifier string, logger *zap.Logger) {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("connection read ended", zap.Error(err))
			}
			return
		}

		for {
			total, ok := codec.FrameLength(buf)
			if !ok {
				break // not enough bytes to know the frame's length yet
			}
			if total > s.cfg.FrameCapBytes {
				logger.Warn("oversized frame, closing connection", zap.Int("declared_len", total))
				s.counters.IngestionRecordsDropped("oversized_frame")
				return
			}
			if len(buf) < total {
				break // frame declared but not fully buffered yet
			}

			frame := buf[:total]
			buf = buf[total:]
			s.handleFrame(ctx, conn, frame, identifier, logger)
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
	}
}

// handleFrame decodes and ingests one complete frame, sending the
// per-packet acknowledgement on success. Parse failures are logged
// and dropped without an ACK so the device retransmits.
func (s *Server) handleFrame(ctx context.Context, conn net.Conn, frame []byte, identifier string, logger *zap.Logger) {
	pkt, err := codec.Decode(frame)
	if err != nil {
		logger.Warn("dropping unparseable frame", zap.Error(err), zap.String("hex", fmt.Sprintf("%x", frame)))
		s.counters.IngestionRecordsDropped(err.Error())
		return
	}

	recordCount := len(pkt.Records)

	s.pool.Submit(ctx, func() {
		result, err := s.ingester.Ingest(ctx, pkt, identifier)
		if err != nil {
			if errors.Is(err, ingest.ErrUnauthorizedDevice) {
				s.counters.IngestionUnauthorizedPackets()
				logger.Info("dropping packet from unauthorized device")
				return
			}
			logger.Error("ingestion failed", zap.Error(err))
			return
		}
		s.counters.IngestionRecordsIngested(result.RecordsProcessed)
		s.counters.IngestionRecordsSkipped(result.RecordsSkipped)
	})

	ack := make([]byte, 4)
	binary.BigEndian.PutUint32(ack, uint32(recordCount))
	if _, err := conn.Write(ack); err != nil {
		logger.Debug("failed to write acknowledgement", zap.Error(err))
	}
}
