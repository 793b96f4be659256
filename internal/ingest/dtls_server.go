package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"chainsight/internal/metrics"
	"chainsight/internal/queue"
	"chainsight/internal/schema"
)

// Common errors for DTLS server.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServerConfig holds configuration for the DTLS server.
type DTLSServerConfig struct {
	// Address to listen on (e.g., ":5516")
	Address string

	// Certificate and key for DTLS
	CertFile string
	KeyFile  string

	// Optional: CA certificate for mutual TLS (client certificate validation)
	CAFile string

	// RequireClientCert enforces mutual TLS
	RequireClientCert bool

	// Workers for message processing
	Workers int

	// MaxMessageSize is the maximum UDP datagram size
	MaxMessageSize int

	// ConnectionTimeout is the timeout for DTLS handshake
	ConnectionTimeout time.Duration

	// IdleTimeout is the timeout for idle connections
	IdleTimeout time.Duration
}

// DefaultDTLSServerConfig returns secure default configuration.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":5516",
		Workers:           4,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		RequireClientCert: false,
	}
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections   uint64
	Handshakes    uint64
	HandshakeErrs uint64
	Received      uint64
	Normalized    uint64
	Queued        uint64
	Errors        uint64
}

// DTLSServer receives event envelopes as JSON datagrams over DTLS
// (secure UDP). Each datagram carries one Envelope; delivery is
// fire-and-forget, so events a full queue cannot take are dropped.
type DTLSServer struct {
	config     DTLSServerConfig
	listener   net.Listener
	normalizer *Normalizer
	validator  *schema.Validator
	queue      *queue.RingBuffer
	logger     *slog.Logger

	messages chan dtlsMessage
	connWG   sync.WaitGroup
	workerWG sync.WaitGroup
	done     chan struct{}

	// Metrics
	connections   uint64
	handshakes    uint64
	handshakeErrs uint64
	received      uint64
	normalized    uint64
	queued        uint64
	errors        uint64
}

// NewDTLSServer creates a new DTLS server for secure event ingestion.
func NewDTLSServer(
	cfg DTLSServerConfig,
	normalizer *Normalizer,
	validator *schema.Validator,
	q *queue.RingBuffer,
	logger *slog.Logger,
) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}

	return &DTLSServer{
		config:     cfg,
		normalizer: normalizer,
		validator:  validator,
		queue:      q,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start starts the DTLS listener and its worker pool. Stop must be
// called to release them.
func (s *DTLSServer) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("failed to parse CA certificate")
		}

		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}

	s.listener = listener
	s.messages = make(chan dtlsMessage, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(ctx)
	}

	s.connWG.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("DTLS server started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	return nil
}

type dtlsMessage struct {
	data     []byte
	sourceIP string
}

// acceptLoop accepts DTLS connections.
func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.connWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Accept with deadline so shutdown is noticed promptly
		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("DTLS accept error", "error", err)
				atomic.AddUint64(&s.handshakeErrs, 1)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)
		atomic.AddUint64(&s.handshakes, 1)

		s.connWG.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single DTLS connection.
func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.connWG.Done()
	defer conn.Close()

	var sourceIP string
	if addr := conn.RemoteAddr(); addr != nil {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			sourceIP = udpAddr.IP.String()
		} else {
			sourceIP = addr.String()
		}
	}

	s.logger.Debug("new DTLS connection", "remote", conn.RemoteAddr())

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("DTLS connection idle timeout", "remote", sourceIP)
				return
			}
			s.logger.Debug("DTLS read error", "error", err, "remote", sourceIP)
			return
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case s.messages <- dtlsMessage{data: data, sourceIP: sourceIP}:
		default:
			atomic.AddUint64(&s.errors, 1)
			s.logger.Debug("message channel full, dropping message")
		}
	}
}

// worker processes messages until the channel is closed.
func (s *DTLSServer) worker(ctx context.Context) {
	defer s.workerWG.Done()

	for msg := range s.messages {
		s.processMessage(ctx, msg)
	}
}

// processMessage normalizes and enqueues the events in one datagram.
func (s *DTLSServer) processMessage(_ context.Context, msg dtlsMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.data, &env); err != nil {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Debug("envelope parse error", "error", err, "remote", msg.sourceIP)
		return
	}

	source, ok := ResolveSource(env.Source)
	if !ok {
		atomic.AddUint64(&s.errors, 1)
		s.logger.Debug("unknown source in envelope", "source", env.Source, "remote", msg.sourceIP)
		return
	}

	rawEvents := env.All()
	if len(rawEvents) == 0 {
		atomic.AddUint64(&s.errors, 1)
		return
	}

	for _, raw := range rawEvents {
		event, err := s.normalizer.Normalize(raw, source, env.TenantID)
		if err != nil {
			atomic.AddUint64(&s.errors, 1)
			metrics.EventsRejected.WithLabelValues("normalize").Inc()
			continue
		}
		atomic.AddUint64(&s.normalized, 1)

		if err := s.validator.Validate(event); err != nil {
			atomic.AddUint64(&s.errors, 1)
			metrics.EventsRejected.WithLabelValues("validation").Inc()
			s.logger.Debug("event validation error", "error", err, "remote", msg.sourceIP)
			continue
		}

		if err := s.queue.Push(event); err != nil {
			atomic.AddUint64(&s.errors, 1)
			if errors.Is(err, queue.ErrQueueFull) {
				metrics.EventsRejected.WithLabelValues("queue_full").Inc()
			}
			continue
		}

		atomic.AddUint64(&s.queued, 1)
		metrics.EventsReceived.WithLabelValues(string(source)).Inc()
	}
}

// Stop stops the DTLS server gracefully. Connection readers drain
// first, then the message channel closes and workers finish.
func (s *DTLSServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connWG.Wait()

	if s.messages != nil {
		close(s.messages)
	}
	s.workerWG.Wait()

	s.logger.Info("DTLS server stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"handshakes", atomic.LoadUint64(&s.handshakes),
		"handshake_errors", atomic.LoadUint64(&s.handshakeErrs),
		"received", atomic.LoadUint64(&s.received),
		"queued", atomic.LoadUint64(&s.queued),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:   atomic.LoadUint64(&s.connections),
		Handshakes:    atomic.LoadUint64(&s.handshakes),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Received:      atomic.LoadUint64(&s.received),
		Normalized:    atomic.LoadUint64(&s.normalized),
		Queued:        atomic.LoadUint64(&s.queued),
		Errors:        atomic.LoadUint64(&s.errors),
	}
}
