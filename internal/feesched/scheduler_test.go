package feesched

import (
	"math"
	"testing"

	"github.com/shaeoj/stratumproxy/internal/job"
)

type alwaysConnected struct{}

func (alwaysConnected) Connected() bool { return true }

type neverConnected struct{}

func (neverConnected) Connected() bool { return false }

func TestDecideConvergesToFeeRate(t *testing.T) {
	feePool := job.NewPool(8)
	feePool.Push(job.Job{JobID: "F1"})

	s := New(feePool, nil, alwaysConnected{}, nil)
	s.SetFeeRate(0.2)

	counter := &SessionCounter{}
	const n = 1000
	injected := 0
	for i := 0; i < n; i++ {
		real := job.Job{JobID: "R"}
		d := s.Decide(counter, real)
		if d.Injected {
			injected++
		}
	}
	got := float64(injected) / float64(n)
	if math.Abs(got-0.2) > 1.0/n {
		t.Fatalf("fee ratio = %f, want within 1/%d of 0.2", got, n)
	}
}

func TestDecideFailsOpenWhenFeePoolDown(t *testing.T) {
	feePool := job.NewPool(8)
	feePool.Push(job.Job{JobID: "F1"})

	s := New(feePool, nil, neverConnected{}, nil)
	s.SetFeeRate(1.0)

	counter := &SessionCounter{}
	for i := 0; i < 10; i++ {
		d := s.Decide(counter, job.Job{JobID: "R"})
		if d.Injected {
			t.Fatal("expected no injection while fee pool disconnected")
		}
	}
}

func TestDecideNoInjectionWhenPoolEmpty(t *testing.T) {
	feePool := job.NewPool(8)
	s := New(feePool, nil, alwaysConnected{}, nil)
	s.SetFeeRate(1.0)

	counter := &SessionCounter{}
	d := s.Decide(counter, job.Job{JobID: "R"})
	if d.Injected {
		t.Fatal("expected no injection from an empty fee pool")
	}
}

func TestNamespaceCollisionRegeneratesPrefix(t *testing.T) {
	s := New(nil, nil, nil, nil)
	s.ObserveRealJobID("fee:1234")
	feePrefix, _ := s.prefixes()
	if feePrefix == defaultFeePrefix {
		t.Fatalf("expected disjoint prefix after collision, got %q", feePrefix)
	}
}

func TestNamespaceForRoundTrip(t *testing.T) {
	feePool := job.NewPool(8)
	feePool.Push(job.Job{JobID: "F1"})
	s := New(feePool, nil, alwaysConnected{}, nil)
	s.SetFeeRate(1.0)

	d := s.Decide(&SessionCounter{}, job.Job{JobID: "R1"})
	if !d.Injected {
		t.Fatal("expected injection")
	}
	prefix, ns := s.NamespaceFor(d.Job.JobID)
	if ns != NamespaceFee {
		t.Fatalf("expected fee namespace, got %q", ns)
	}
	stripped := StripNamespace(d.Job.JobID, prefix)
	if stripped != "F1" {
		t.Fatalf("expected stripped id F1, got %q", stripped)
	}
}
