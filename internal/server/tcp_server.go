package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/connection"
	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
	"github.com/keslleykledston/24-Monitoramento/internal/scheduler"
	"github.com/keslleykledston/24-Monitoramento/pkg/config"
)

// Ingester accepts one probe record and returns its stored timestamp
type Ingester interface {
	Accept(ctx context.Context, rec *protocol.MeasurementRecord) (time.Time, error)
}

// job is one line read from an identified session
type job struct {
	session *connection.ProbeSession
	data    []byte
}

// TCPServer accepts persistent probe sessions. A probe identifies once, then
// streams newline-delimited measurement messages; each is acknowledged.
// Reading happens on one goroutine per connection and processing on a fixed
// worker pool.
type TCPServer struct {
	cfg      config.StreamConfig
	sessions *connection.Manager
	timers   *scheduler.TimerManager
	ingester Ingester
	log      *logrus.Entry

	listener net.Listener
	jobs     chan *job

	// every accepted conn, identified or not
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	connWg   sync.WaitGroup
	workerWg sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewTCPServer(cfg config.StreamConfig, sessions *connection.Manager, timers *scheduler.TimerManager, ingester Ingester, log *logrus.Entry) *TCPServer {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		cfg:      cfg,
		sessions: sessions,
		timers:   timers,
		ingester: ingester,
		log:      log,
		jobs:     make(chan *job, cfg.QueueSize),
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens and begins accepting sessions
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to start probe stream listener: %w", err)
	}
	s.listener = listener

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWg.Add(1)
		go s.worker(i)
	}

	s.connWg.Add(1)
	go s.acceptConnections()

	s.log.WithFields(logrus.Fields{
		"addr":    listener.Addr().String(),
		"workers": s.cfg.Workers,
	}).Info("Probe stream server listening")
	return nil
}

// Addr is the bound listener address
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every accepted connection, then drains the
// workers. Calling it more than once is a no-op.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		s.closed = true
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.connWg.Wait()
		close(s.jobs)
		s.workerWg.Wait()
		s.log.Info("Probe stream server stopped")
	})
}

// track remembers conn until untrack; false means the server is stopping
func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *TCPServer) acceptConnections() {
	defer s.connWg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.WithError(err).Warn("Failed to accept connection")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}

		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	connectionID := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"remote":        conn.RemoteAddr().String(),
	})

	conn.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		log.WithError(err).Debug("Connection closed before identify")
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		writeAck(conn, protocol.NewErrorAck(err.Error()))
		return
	}
	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		writeAck(conn, protocol.NewErrorAck("expected identify message"))
		return
	}

	session, err := s.sessions.Register(connectionID, identify.ProbeID, conn)
	if err != nil {
		log.WithError(err).Warn("Rejecting probe session")
		writeAck(conn, protocol.NewErrorAck(err.Error()))
		return
	}
	defer s.sessions.Unregister(connectionID)

	select {
	case <-s.stopCh:
		return
	default:
	}

	log = log.WithField("probe_id", identify.ProbeID)
	log.Info("Probe identified")

	if err := s.reply(session, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		return
	}

	timerID := "inactivity-" + connectionID
	s.armInactivity(timerID, session)
	defer s.timers.Cancel(timerID)

	conn.SetReadDeadline(time.Time{})
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			log.WithError(err).Info("Probe session closed")
			return
		}

		s.sessions.UpdateActivity(connectionID)
		s.armInactivity(timerID, session)

		select {
		case s.jobs <- &job{session: session, data: line}:
		case <-s.stopCh:
			return
		default:
			log.Warn("Job queue full, dropping message")
			s.reply(session, protocol.NewErrorAck("server busy"))
		}
	}
}

func (s *TCPServer) armInactivity(timerID string, session *connection.ProbeSession) {
	err := s.timers.Schedule(timerID, time.Now().Add(s.cfg.InactivityTimeout), func() {
		s.log.WithFields(logrus.Fields{
			"connection_id": session.ConnectionID,
			"probe_id":      session.ProbeID,
		}).Info("Inactivity timeout, closing probe session")
		session.Conn.Close()
	})
	if err != nil && !errors.Is(err, scheduler.ErrSchedulerStopped) {
		s.log.WithError(err).Warn("Failed to arm inactivity timer")
	}
}

func (s *TCPServer) worker(id int) {
	defer s.workerWg.Done()
	for j := range s.jobs {
		s.process(id, j)
	}
}

func (s *TCPServer) process(worker int, j *job) {
	msg, err := protocol.ParseMessage(j.data)
	if err != nil {
		s.reply(j.session, protocol.NewErrorAck(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.MeasurementMessage:
		s.reply(j.session, s.handleMeasurement(worker, j.session, &m.Record))
	case *protocol.KeepaliveMessage:
		s.reply(j.session, protocol.NewAckMessage(protocol.AckStatusAlive))
	case *protocol.IdentifyMessage:
		s.reply(j.session, protocol.NewErrorAck("session already identified"))
	}
}

func (s *TCPServer) handleMeasurement(worker int, session *connection.ProbeSession, rec *protocol.MeasurementRecord) *protocol.AckMessage {
	if rec.ProbeID == 0 {
		rec.ProbeID = session.ProbeID
	}
	if rec.ProbeID != session.ProbeID {
		return protocol.NewErrorAck("probe_id does not match the identified probe")
	}

	ts, err := s.ingester.Accept(s.ctx, rec)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidRecord) {
			return protocol.NewErrorAck(err.Error())
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"worker":   worker,
			"probe_id": session.ProbeID,
		}).Error("Failed to ingest streamed measurement")
		return protocol.NewErrorAck("failed to store measurement")
	}

	ack := protocol.NewAckMessage(protocol.AckStatusAccepted)
	ack.Timestamp = protocol.FormatTimestamp(ts)
	return ack
}

func (s *TCPServer) reply(session *connection.ProbeSession, ack *protocol.AckMessage) error {
	data, err := protocol.EncodeMessage(ack)
	if err != nil {
		return err
	}
	if err := session.Write(data); err != nil {
		s.log.WithError(err).WithField("connection_id", session.ConnectionID).Debug("Failed to write ack")
		return err
	}
	return nil
}

// writeAck answers a connection that never became a session
func writeAck(conn net.Conn, ack *protocol.AckMessage) {
	data, err := protocol.EncodeMessage(ack)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
