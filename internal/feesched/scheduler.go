// Package feesched decides, per real job, whether a worker session is
// served the genuine job or a counterfeit one spliced from a fee (or
// develop-fee) job pool, and routes submitted shares back to the pool
// that should receive them.
package feesched

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/metrics"
)

const (
	defaultFeePrefix = "fee:"
	defaultDevPrefix = "dev:"

	NamespaceReal = ""
	NamespaceFee  = "fee"
	NamespaceDev  = "dev"
)

// Connectivity reports whether a pool client currently has a live
// upstream connection; feesched fails open (pure proxy) when false.
type Connectivity interface {
	Connected() bool
}

// SessionCounter is a per-WorkerSession tally of real vs. injected jobs
// sent, guarded by its own mutex so sessions never contend on a shared
// lock.
type SessionCounter struct {
	mu       sync.Mutex
	sentReal int64
	sentFee  int64
	sentDev  int64
}

func (c *SessionCounter) observe(ns string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ns {
	case NamespaceFee:
		c.sentFee++
	case NamespaceDev:
		c.sentDev++
	default:
		c.sentReal++
	}
}

// Ratios returns the current fee and develop-fee fractions of jobs sent
// to this session, used by P1's convergence check.
func (c *SessionCounter) Ratios() (fee, dev float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.sentReal + c.sentFee + c.sentDev
	if total == 0 {
		return 0, 0
	}
	return float64(c.sentFee) / float64(total), float64(c.sentDev) / float64(total)
}

// Scheduler holds the single fee-injection decision and namespacing
// policy for one proxy instance, shared read-only by every session.
type Scheduler struct {
	feeRate atomic.Uint64 // math.Float64bits-encoded
	devRate atomic.Uint64

	feePool *job.Pool
	devPool *job.Pool

	feeConnected Connectivity
	devConnected Connectivity

	mu        sync.Mutex
	feePrefix string
	devPrefix string
	observed  bool

	// Metrics optionally receives the proxy-wide counters; nil is safe
	// and simply skips instrumentation (e.g. in tests).
	Metrics *metrics.Registry
}

// New builds a Scheduler. feePool/devPool may be nil if that siphon is
// unconfigured (rate stays 0 and Decide never selects it).
func New(feePool, devPool *job.Pool, feeConn, devConn Connectivity) *Scheduler {
	s := &Scheduler{
		feePool:      feePool,
		devPool:      devPool,
		feeConnected: feeConn,
		devConnected: devConn,
		feePrefix:    defaultFeePrefix,
		devPrefix:    defaultDevPrefix,
	}
	s.SetFeeRate(0)
	s.SetDevelopRate(0)
	return s
}

func (s *Scheduler) SetFeeRate(r float64) { s.feeRate.Store(math.Float64bits(r)) }
func (s *Scheduler) FeeRate() float64     { return math.Float64frombits(s.feeRate.Load()) }

func (s *Scheduler) SetDevelopRate(r float64) { s.devRate.Store(math.Float64bits(r)) }
func (s *Scheduler) DevelopRate() float64     { return math.Float64frombits(s.devRate.Load()) }

// ObserveRealJobID inspects the first real job id seen from the real
// pool client and regenerates the fee/develop prefixes to a disjoint
// namespace if the upstream's own ids already collide with the defaults.
func (s *Scheduler) ObserveRealJobID(realID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observed {
		return
	}
	s.observed = true
	for strings.HasPrefix(realID, s.feePrefix) {
		s.feePrefix = "z" + s.feePrefix
	}
	for strings.HasPrefix(realID, s.devPrefix) {
		s.devPrefix = "z" + s.devPrefix
	}
}

func (s *Scheduler) prefixes() (fee, dev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feePrefix, s.devPrefix
}

// Decision is the outcome of Decide: which job to forward (rewritten
// into a namespaced id if injected) and which namespace it belongs to.
type Decision struct {
	Job       job.Job
	Namespace string // "", NamespaceFee, or NamespaceDev
	Injected  bool
}

// Decide applies the ratio-convergence rule for one upcoming job push:
// if the session's actual injected fraction is still below the
// configured rate and the corresponding siphon pool is healthy and
// non-empty, splice in its most recent job; otherwise pass the real
// job through unchanged.
func (s *Scheduler) Decide(counter *SessionCounter, real job.Job) Decision {
	feePrefix, devPrefix := s.prefixes()

	if fj, ok := s.tryInject(counter, s.feePool, s.feeConnected, s.FeeRate(), feePrefix, true); ok {
		counter.observe(NamespaceFee)
		return Decision{Job: fj, Namespace: NamespaceFee, Injected: true}
	}
	if dj, ok := s.tryInject(counter, s.devPool, s.devConnected, s.DevelopRate(), devPrefix, false); ok {
		counter.observe(NamespaceDev)
		return Decision{Job: dj, Namespace: NamespaceDev, Injected: true}
	}

	counter.observe(NamespaceReal)
	return Decision{Job: real}
}

func (s *Scheduler) tryInject(counter *SessionCounter, pool *job.Pool, conn Connectivity, rate float64, prefix string, feeSlot bool) (job.Job, bool) {
	if rate <= 0 || pool == nil {
		return job.Job{}, false
	}
	if conn != nil && !conn.Connected() {
		return job.Job{}, false
	}
	actualFee, actualDev := counter.Ratios()
	actual := actualDev
	if feeSlot {
		actual = actualFee
	}
	if actual >= rate {
		return job.Job{}, false
	}
	latest, ok := pool.Latest()
	if !ok {
		return job.Job{}, false
	}
	rewritten := latest
	rewritten.JobID = prefix + latest.JobID
	if s.Metrics != nil {
		s.Metrics.JobsInjected.Inc()
	}
	return rewritten, true
}

// NamespaceFor classifies a submitted job id by prefix, telling the
// session which upstream (real, fee, or develop-fee) should receive it.
func (s *Scheduler) NamespaceFor(jobID string) (prefix, namespace string) {
	feePrefix, devPrefix := s.prefixes()
	switch {
	case strings.HasPrefix(jobID, feePrefix):
		return feePrefix, NamespaceFee
	case strings.HasPrefix(jobID, devPrefix):
		return devPrefix, NamespaceDev
	default:
		return "", NamespaceReal
	}
}

// StripNamespace removes a namespace prefix from a job id, recovering
// the original upstream job id before forwarding a share.
func StripNamespace(jobID, prefix string) string {
	return strings.TrimPrefix(jobID, prefix)
}
