package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkhandel/soundml-server/internal/connection"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/queue"
	"github.com/nkhandel/soundml-server/internal/timer"
	"github.com/nkhandel/soundml-server/pkg/config"
)

// TCPServer is the ingestion gateway for sensor devices. Devices identify
// once, then stream frame batches and auxiliary sensor readings; the
// gateway stamps and forwards them to Kafka keyed by tenant.
type TCPServer struct {
	config         *config.GatewayConfig
	connManager    *connection.Manager
	timerManager   *timer.TimerManager
	batchProducer  *queue.Producer
	sensorProducer *queue.Producer
	logger         *slog.Logger
	listener       net.Listener
	wg             sync.WaitGroup
	stopCh         chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewTCPServer creates a new gateway server
func NewTCPServer(cfg *config.GatewayConfig, connManager *connection.Manager, timerManager *timer.TimerManager, batchProducer, sensorProducer *queue.Producer, logger *slog.Logger) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:         cfg,
		connManager:    connManager,
		timerManager:   timerManager,
		batchProducer:  batchProducer,
		sensorProducer: sensorProducer,
		logger:         logger.With("component", "gateway"),
		stopCh:         make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start starts the gateway listener
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	s.listener = listener
	s.logger.Info("gateway listening", "addr", addr)

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the gateway gracefully
func (s *TCPServer) Stop() {
	close(s.stopCh)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	s.logger.Info("gateway stopped")
}

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		// Check max connections
		if s.connManager.Count() >= s.config.MaxConnections {
			s.logger.Warn("maximum connections reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		// Handle connection in a new goroutine
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connectionID := uuid.New().String()
	s.logger.Info("new connection", "conn_id", connectionID, "remote", conn.RemoteAddr())

	// Devices must identify before anything else
	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		s.logger.Warn("failed to read identify message", "conn_id", connectionID, "error", err)
		return
	}

	msg, err := protocol.ParseMessage([]byte(line))
	if err != nil {
		s.logger.Warn("failed to parse identify message", "conn_id", connectionID, "error", err)
		s.sendError(conn, "invalid message format")
		return
	}

	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		s.logger.Warn("expected identify message", "conn_id", connectionID, "got", fmt.Sprintf("%T", msg))
		s.sendError(conn, "expected identify message")
		return
	}

	if err := s.connManager.Register(connectionID, identify.TenantID, identify.DeviceID, identify.Site, conn); err != nil {
		s.logger.Warn("failed to register device", "conn_id", connectionID, "error", err)
		s.sendError(conn, "failed to register")
		return
	}
	defer s.connManager.Unregister(connectionID)

	s.logger.Info("device identified",
		"conn_id", connectionID,
		"tenant", identify.TenantID,
		"device", identify.DeviceID,
		"site", identify.Site)

	if err := s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		s.logger.Warn("failed to send ack", "conn_id", connectionID, "error", err)
		return
	}

	s.scheduleInactivityTimer(connectionID)

	// Clear read deadline for normal operation
	conn.SetReadDeadline(time.Time{})

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Timeout, keep waiting for the next capture
				continue
			}
			s.logger.Info("connection closed", "conn_id", connectionID, "error", err)
			return
		}

		msg, err := protocol.ParseMessage([]byte(line))
		if err != nil {
			s.logger.Warn("rejected message", "conn_id", connectionID, "error", err)
			s.sendError(conn, err.Error())
			continue
		}

		if err := s.handleMessage(connectionID, identify, msg, conn); err != nil {
			s.logger.Error("failed to handle message", "conn_id", connectionID, "error", err)
			s.sendError(conn, "internal error")
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(connectionID)
	}
}

func (s *TCPServer) handleMessage(connectionID string, identify *protocol.IdentifyMessage, msg interface{}, conn net.Conn) error {
	switch m := msg.(type) {
	case *protocol.FramesMessage:
		return s.handleFrames(connectionID, identify, m, conn)

	case *protocol.SensorMessage:
		return s.handleSensor(connectionID, identify, m, conn)

	case *protocol.KeepaliveMessage:
		return s.handleKeepalive(conn)

	default:
		return fmt.Errorf("unknown message type: %T", msg)
	}
}

// handleFrames stamps the capture window as a batch and forwards it. The
// tenant key keeps one tenant's batches on one partition, so the engine
// sees them in order.
func (s *TCPServer) handleFrames(connectionID string, identify *protocol.IdentifyMessage, msg *protocol.FramesMessage, conn net.Conn) error {
	batch := &protocol.Batch{
		BatchID:        uuid.New().String(),
		TenantID:       identify.TenantID,
		MachineID:      msg.MachineID,
		DeviceID:       identify.DeviceID,
		Mode:           msg.Mode,
		StoreAll:       msg.StoreAll,
		FramesCaptured: len(msg.Frames),
		ReceivedAt:     time.Now(),
		Frames:         msg.Frames,
	}

	data, err := protocol.EncodeBatch(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	if err := s.batchProducer.Publish(s.ctx, batch.TenantID, data); err != nil {
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	s.logger.Info("batch forwarded",
		"conn_id", connectionID,
		"batch_id", batch.BatchID,
		"tenant", batch.TenantID,
		"mode", batch.Mode,
		"frames", batch.FramesCaptured)

	ack := protocol.NewAckMessage(protocol.AckStatusAccepted)
	ack.Detail = batch.BatchID
	return s.sendMessage(conn, ack)
}

func (s *TCPServer) handleSensor(connectionID string, identify *protocol.IdentifyMessage, msg *protocol.SensorMessage, conn net.Conn) error {
	sample := &protocol.SensorSample{
		TenantID:   identify.TenantID,
		DeviceID:   identify.DeviceID,
		Vibration:  msg.Vibration,
		EventCount: msg.EventCount,
		GasRaw:     msg.GasRaw,
		GasStatus:  msg.GasStatus,
		ReceivedAt: time.Now(),
	}

	data, err := protocol.EncodeSensorSample(sample)
	if err != nil {
		return fmt.Errorf("failed to encode sensor sample: %w", err)
	}

	if err := s.sensorProducer.Publish(s.ctx, sample.TenantID, data); err != nil {
		return fmt.Errorf("failed to publish sensor sample: %w", err)
	}

	return s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusAccepted))
}

func (s *TCPServer) handleKeepalive(conn net.Conn) error {
	return s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusAlive))
}

func (s *TCPServer) sendMessage(conn net.Conn, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(data, '\n'))
	return err
}

func (s *TCPServer) sendError(conn net.Conn, detail string) {
	s.sendMessage(conn, protocol.NewErrorAck(detail))
}

func (s *TCPServer) scheduleInactivityTimer(connectionID string) {
	timerID := fmt.Sprintf("inactivity-%s", connectionID)
	expiryAt := time.Now().Add(s.config.InactivityTimeout)

	callback := func() {
		s.logger.Info("inactivity timeout", "conn_id", connectionID)

		device, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}

		// Closing the socket unblocks the read loop; unregistration
		// happens in its deferred cleanup
		device.Conn.Close()
	}

	s.timerManager.Schedule(timerID, expiryAt, callback)
}
