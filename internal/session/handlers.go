package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaeoj/stratumproxy/internal/feesched"
	"github.com/shaeoj/stratumproxy/internal/protocol"
)

func (s *Session) handleSubscribe(req *protocol.Request) {
	en1 := fmt.Sprintf("%08x", len(s.ID)*2654435761%0xffffffff)
	result := []any{
		[][2]string{{"mining.set_difficulty", s.ID}, {"mining.notify", s.ID}},
		en1,
		4,
	}
	s.reply(req.ID, result, nil)
	s.state.store(StateSubscribed)
}

func (s *Session) handleAuthorize(req *protocol.Request) {
	if len(req.Params) < 1 {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrOther, "missing worker_name"))
		return
	}
	name, err := protocol.ParamString(req.Params, 0)
	if err != nil || name == "" {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrUnauthorized, "invalid worker_name"))
		return
	}
	login := name
	if pw, err := protocol.ParamString(req.Params, 1); err == nil {
		login = name + ":" + pw
	}

	s.workerName = name
	s.loginName = login
	s.workerMu.Lock()
	s.worker = telemetryWorker(name, login)
	s.workerMu.Unlock()

	if s.registry != nil {
		s.registry.Register(name, s)
	}

	s.reply(req.ID, true, nil)
	s.state.store(StateAuthorized)
	s.publishTelemetry()
}

func (s *Session) handleSubmit(req *protocol.Request) {
	if s.state.load() < StateAuthorized {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrUnauthorized, "not authorized"))
		return
	}
	if len(req.Params) < 2 {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrStaleJob, "malformed submit"))
		return
	}
	jobID, err := protocol.ParamJobID(req.Params, 1)
	if err != nil || jobID == "" {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrStaleJob, "invalid job id"))
		return
	}

	prefix, ns := s.scheduler.NamespaceFor(jobID)
	target := s.real
	switch ns {
	case feesched.NamespaceFee:
		target = s.fee
	case feesched.NamespaceDev:
		target = s.dev
	}
	if target == nil {
		s.reply(req.ID, false, protocol.NewError(protocol.ErrStaleJob, "stale share"))
		return
	}

	forwardParams := make([]any, len(req.Params))
	for i, p := range req.Params {
		forwardParams[i] = p
	}
	if prefix != "" {
		stripped := jobID[len(prefix):]
		idBytes, _ := marshalString(stripped)
		forwardParams[1] = json.RawMessage(idBytes)
	}

	id := req.ID
	go s.forwardSubmit(id, target, forwardParams, ns)
}

func (s *Session) forwardSubmit(id any, target Submitter, params []any, ns string) {
	resp, err := target.Submit(params)
	accepted := false
	var stratumErr *protocol.StratumError
	if err != nil {
		stratumErr = protocol.NewError(protocol.ErrOther, err.Error())
	} else if jsonTrue(resp) {
		accepted = true
	} else {
		stratumErr = protocol.NewError(protocol.ErrOther, string(resp))
	}

	s.updateShareCounters(ns, accepted)
	s.reply(id, accepted, stratumErr)
}

func (s *Session) updateShareCounters(ns string, accepted bool) {
	s.workerMu.Lock()
	switch ns {
	case feesched.NamespaceFee:
		if accepted {
			s.worker.AcceptedFeeShares++
		} else {
			s.worker.RejectedFeeShares++
		}
	case feesched.NamespaceDev:
		// develop-fee shares are not tallied: telemetry.Worker carries
		// only real and fee share counters, and the scheduler's
		// SessionCounter counts develop jobs sent, not shares.
	default:
		if accepted {
			s.worker.AcceptedShares++
		} else {
			s.worker.RejectedShares++
		}
	}
	s.worker.LastSeenAt = time.Now()
	s.workerMu.Unlock()

	if s.metrics != nil {
		switch {
		case ns == feesched.NamespaceFee && accepted:
			s.metrics.FeeSharesAccepted.Inc()
		case ns == feesched.NamespaceFee && !accepted:
			s.metrics.FeeSharesRejected.Inc()
		case ns == feesched.NamespaceReal && accepted:
			s.metrics.SharesAccepted.Inc()
		case ns == feesched.NamespaceReal && !accepted:
			s.metrics.SharesRejected.Inc()
		}
	}

	s.publishTelemetry()
}

func (s *Session) handleHashrate(req *protocol.Request) {
	s.workerMu.Lock()
	if len(req.Params) >= 1 {
		if hr, err := protocol.ParamString(req.Params, 0); err == nil {
			s.worker.HashrateWindow = parseHashrate(hr)
		}
	}
	s.worker.LastSeenAt = time.Now()
	s.workerMu.Unlock()
	s.publishTelemetry()
	s.reply(req.ID, true, nil)
}

func (s *Session) publishTelemetry() {
	if s.fanIn == nil || s.workerName == "" {
		return
	}
	s.workerMu.Lock()
	snapshot := s.worker
	s.workerMu.Unlock()
	s.fanIn.Publish(snapshot)
}
