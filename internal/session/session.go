// Package session implements the worker-facing Stratum connection state
// machine: handshake, job distribution (genuine or fee-injected), and
// share submission routing.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaeoj/stratumproxy/internal/feesched"
	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/logger"
	"github.com/shaeoj/stratumproxy/internal/metrics"
	"github.com/shaeoj/stratumproxy/internal/protocol"
	"github.com/shaeoj/stratumproxy/internal/telemetry"
)

const maxQueuedJobs = 8

// Conn is the minimal transport surface a session needs; satisfied by
// *transport.Framed.
type Conn interface {
	ReadLine() ([]byte, error)
	WriteLine([]byte) error
	Close() error
}

// Session is one worker connection's ephemeral state, from accept to
// socket close.
type Session struct {
	ID            string
	TransportKind string

	conn     Conn
	mailbox  *mailbox
	state    atomicState

	workerName string
	loginName  string
	ethDialect bool

	real Submitter
	fee  Submitter
	dev  Submitter

	scheduler *feesched.Scheduler
	counter   feesched.SessionCounter

	registry Registry
	fanIn    *telemetry.FanIn
	workerMu sync.Mutex
	worker   telemetry.Worker

	metrics *metrics.Registry
	log     *logger.Logger

	closed chan struct{}
}

// Deps bundles a Session's collaborators, supplied by the orchestrator.
type Deps struct {
	TransportKind string
	Real          Submitter
	Fee           Submitter
	Dev           Submitter
	Scheduler     *feesched.Scheduler
	Registry      Registry
	FanIn         *telemetry.FanIn
	Metrics       *metrics.Registry
	Log           *logger.Logger
}

// New creates a Session bound to conn, ready for Run.
func New(conn Conn, d Deps) *Session {
	return &Session{
		ID:            uuid.NewString(),
		TransportKind: d.TransportKind,
		conn:          conn,
		mailbox:       newMailbox(maxQueuedJobs),
		real:          d.Real,
		fee:           d.Fee,
		dev:           d.Dev,
		scheduler:     d.Scheduler,
		registry:      d.Registry,
		fanIn:         d.FanIn,
		metrics:       d.Metrics,
		log:           d.Log,
		closed:        make(chan struct{}),
	}
}

func (s *Session) State() State { return s.state.load() }

// Name returns the worker_name this session authorized with, or "" if
// it has not authorized yet.
func (s *Session) Name() string { return s.workerName }

// Run drives the session until the connection closes; it blocks the
// caller's goroutine (callers spawn one goroutine per accepted
// connection).
func (s *Session) Run() {
	go s.writeLoop()
	defer s.shutdown()

	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			return
		}
		req, err := protocol.ParseRequest(line)
		if err != nil {
			s.log.Debugf("session", "%s: malformed frame, dropping connection: %v", s.ID, err)
			return
		}
		s.dispatch(req)
	}
}

func (s *Session) dispatch(req *protocol.Request) {
	ev := protocol.NormalizeEvent(req)
	if protocol.IsEthDialect(req.Method) {
		s.ethDialect = true
	}
	switch ev.Kind {
	case protocol.KindSubscribe:
		s.handleSubscribe(req)
	case protocol.KindAuthorize:
		s.handleAuthorize(req)
	case protocol.KindSubmit:
		s.handleSubmit(req)
	case protocol.KindSubmitHashrate:
		s.handleHashrate(req)
	case protocol.KindConfigure:
		s.reply(req.ID, map[string]any{}, nil)
	case protocol.KindSuggestDifficulty:
		s.reply(req.ID, true, nil)
	default:
		s.log.Debugf("session", "%s: unhandled method %s", s.ID, req.Method)
	}
}

func (s *Session) writeLoop() {
	for {
		msg, ok := s.mailbox.pop()
		if !ok {
			return
		}
		if err := s.conn.WriteLine(msg.data); err != nil {
			return
		}
	}
}

func (s *Session) reply(id any, result any, err *protocol.StratumError) {
	s.mailbox.push(outboundMsg{kind: msgResponse, data: protocol.EncodeResponse(id, result, err)})
}

// EnqueueJob is called by the orchestrator's job broadcaster for every
// real-pool mining.notify, once this session is authorized. It applies
// the fee-injection decision and queues the resulting notify frame.
func (s *Session) EnqueueJob(real job.Job) {
	if s.state.load() < StateAuthorized {
		return
	}
	decision := s.scheduler.Decide(&s.counter, real)
	params, err := rewriteJobID(decision.Job.Raw, decision.Job.JobID)
	if err != nil {
		s.log.Warnf("session", "%s: rewrite job id: %v", s.ID, err)
		return
	}
	s.mailbox.push(outboundMsg{kind: msgJob, data: protocol.EncodeNotification("mining.notify", params)})
	s.state.store(StateRelaying)
}

func (s *Session) shutdown() {
	s.state.store(StateClosed)
	s.mailbox.close()
	s.conn.Close()
	if s.registry != nil {
		s.registry.Unregister(s)
	}
	s.workerMu.Lock()
	s.worker.LastSeenAt = time.Now()
	snapshot := s.worker
	s.workerMu.Unlock()
	if s.fanIn != nil && s.workerName != "" {
		s.fanIn.Publish(snapshot)
	}
	close(s.closed)
}

// Closed returns a channel that is closed once the session has fully
// shut down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Evict forcibly closes a session being replaced by a newer connection
// with the same worker name.
func (s *Session) Evict() {
	s.conn.Close()
}

func rewriteJobID(raw json.RawMessage, newID string) ([]json.RawMessage, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("empty job params")
	}
	idBytes, err := json.Marshal(newID)
	if err != nil {
		return nil, err
	}
	params[0] = idBytes
	return params, nil
}
