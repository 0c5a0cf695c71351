package proxy

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/shaeoj/stratumproxy/internal/feesched"
	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/logger"
	"github.com/shaeoj/stratumproxy/internal/session"
	"github.com/shaeoj/stratumproxy/internal/telemetry"
)

// These exercise the end-to-end scenarios from the proxy's literal
// scenario list against an in-memory net.Pipe() worker socket and fake
// pool submitters, the way internal/session's own pipeConn/fakeSubmitter
// tests do for a single session in isolation — here wired through the
// real sessionRegistry so job broadcast is covered too.

type fakeSubmitter struct {
	mu        sync.Mutex
	connected bool
	results   []json.RawMessage
	calls     [][]any
}

func (f *fakeSubmitter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSubmitter) Submit(params []any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if len(f.results) == 0 {
		return json.RawMessage("true"), nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSubmitter) lastCall() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// paramAt decodes a submit call's positional argument, which arrives as
// a json.RawMessage (the submit request's params are forwarded
// verbatim, string params included).
func paramAt(call []any, i int) string {
	raw, ok := call[i].(json.RawMessage)
	if !ok {
		return ""
	}
	var s string
	json.Unmarshal(raw, &s)
	return s
}

type pipeConn struct {
	net.Conn
	r *bufio.Reader
}

func newPipeConn(c net.Conn) *pipeConn { return &pipeConn{Conn: c, r: bufio.NewReader(c)} }

func (p *pipeConn) ReadLine() ([]byte, error) {
	line, err := p.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}
func (p *pipeConn) WriteLine(data []byte) error {
	_, err := p.Conn.Write(data)
	return err
}

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(t.TempDir(), "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func rawNotify(jobID string) json.RawMessage {
	return json.RawMessage(`["` + jobID + `","prevhash","coinb1","coinb2",[],"20000000","1d00ffff","5f000000",true]`)
}

func notifyJobID(t *testing.T, line []byte) string {
	var notif struct {
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &notif); err != nil {
		t.Fatalf("decode notify: %v", err)
	}
	if len(notif.Params) == 0 {
		t.Fatalf("notify has no params: %s", line)
	}
	var id string
	if err := json.Unmarshal(notif.Params[0], &id); err != nil {
		t.Fatalf("decode notify job id: %v", err)
	}
	return id
}

func handshake(t *testing.T, client *pipeConn, name string) {
	client.WriteLine([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
	if _, err := client.ReadLine(); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	client.WriteLine([]byte(`{"id":2,"method":"mining.authorize","params":["` + name + `","x"]}` + "\n"))
	if _, err := client.ReadLine(); err != nil {
		t.Fatalf("read authorize response: %v", err)
	}
}

// Scenario 1 (spec.md "Pass-through"): fee_rate=0, a real-pool job is
// relayed unchanged and a submit against it reaches the real pool.
func TestScenarioPassThrough(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	real := &fakeSubmitter{connected: true}
	reg := newSessionRegistry(nil)
	fanIn := telemetry.NewFanIn()
	sched := feesched.New(nil, nil, nil, nil)

	s := session.New(newPipeConn(serverSide), session.Deps{
		Real:      real,
		Scheduler: sched,
		Registry:  reg,
		FanIn:     fanIn,
		Log:       testLogger(t),
	})
	go s.Run()

	client := newPipeConn(clientSide)
	handshake(t, client, "w1")

	reg.Broadcast(job.Job{JobID: "J1", Raw: rawNotify("J1")})
	line, err := client.ReadLine()
	if err != nil {
		t.Fatalf("read notify: %v", err)
	}
	if got := notifyJobID(t, line); got != "J1" {
		t.Fatalf("expected pass-through job id J1, got %q", got)
	}

	client.WriteLine([]byte(`{"id":3,"method":"mining.submit","params":["w1","J1","0xabc"]}` + "\n"))
	resp, err := client.ReadLine()
	if err != nil {
		t.Fatalf("read submit response: %v", err)
	}
	var decoded struct {
		ID     int  `json:"id"`
		Result bool `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if decoded.ID != 3 || !decoded.Result {
		t.Fatalf("expected accepted response for id 3, got %+v", decoded)
	}
	if real.callCount() != 1 {
		t.Fatalf("expected one forwarded submit to the real pool, got %d", real.callCount())
	}
}

// Scenario 2 (spec.md "Injection"): fee_rate=0.5 with a healthy fee
// pool. The first real job is spliced with the fee-pool job (namespaced
// fee:F1); once the session's ratio catches up, the next real job
// passes through unchanged. Submits route by job-id namespace.
func TestScenarioFeeInjectionRouting(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	real := &fakeSubmitter{connected: true}
	fee := &fakeSubmitter{connected: true}
	feePool := job.NewPool(8)
	feePool.Push(job.Job{JobID: "F1", Raw: rawNotify("F1")})

	sched := feesched.New(feePool, nil, fee, nil)
	sched.SetFeeRate(0.5)

	reg := newSessionRegistry(nil)
	fanIn := telemetry.NewFanIn()

	s := session.New(newPipeConn(serverSide), session.Deps{
		Real:      real,
		Fee:       fee,
		Scheduler: sched,
		Registry:  reg,
		FanIn:     fanIn,
		Log:       testLogger(t),
	})
	go s.Run()

	client := newPipeConn(clientSide)
	handshake(t, client, "w1")

	reg.Broadcast(job.Job{JobID: "J1", Raw: rawNotify("J1")})
	first, err := client.ReadLine()
	if err != nil {
		t.Fatalf("read first notify: %v", err)
	}
	firstID := notifyJobID(t, first)
	if !strings.HasPrefix(firstID, "fee:") {
		t.Fatalf("expected the first job spliced from the fee pool, got %q", firstID)
	}

	reg.Broadcast(job.Job{JobID: "J2", Raw: rawNotify("J2")})
	second, err := client.ReadLine()
	if err != nil {
		t.Fatalf("read second notify: %v", err)
	}
	secondID := notifyJobID(t, second)
	if secondID != "J2" {
		t.Fatalf("expected the second job to pass through unchanged as J2, got %q", secondID)
	}

	client.WriteLine([]byte(`{"id":3,"method":"mining.submit","params":["w1","` + firstID + `","0xabc"]}` + "\n"))
	if _, err := client.ReadLine(); err != nil {
		t.Fatalf("read fee submit response: %v", err)
	}
	client.WriteLine([]byte(`{"id":4,"method":"mining.submit","params":["w1","J2","0xdef"]}` + "\n"))
	if _, err := client.ReadLine(); err != nil {
		t.Fatalf("read real submit response: %v", err)
	}

	if fee.callCount() != 1 {
		t.Fatalf("expected exactly one submit routed to the fee pool, got %d", fee.callCount())
	}
	if got := fee.lastCall(); got == nil || paramAt(got, 1) != "F1" {
		t.Fatalf("expected the fee submit to carry the stripped job id F1, got %+v", got)
	}
	if real.callCount() != 1 {
		t.Fatalf("expected exactly one submit routed to the real pool, got %d", real.callCount())
	}
	if got := real.lastCall(); got == nil || paramAt(got, 1) != "J2" {
		t.Fatalf("expected the real submit to carry job id J2, got %+v", got)
	}
}

// Scenario 3 (spec.md "Fee outage fallback"): fee_rate=0.2 but the fee
// pool connection is down. Every job passes through unchanged and no
// job is ever spliced.
func TestScenarioFeeOutageFallback(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	real := &fakeSubmitter{connected: true}
	fee := &fakeSubmitter{connected: false}
	feePool := job.NewPool(8)
	feePool.Push(job.Job{JobID: "F1", Raw: rawNotify("F1")})

	sched := feesched.New(feePool, nil, fee, nil)
	sched.SetFeeRate(0.2)

	reg := newSessionRegistry(nil)
	fanIn := telemetry.NewFanIn()

	s := session.New(newPipeConn(serverSide), session.Deps{
		Real:      real,
		Fee:       fee,
		Scheduler: sched,
		Registry:  reg,
		FanIn:     fanIn,
		Log:       testLogger(t),
	})
	go s.Run()

	client := newPipeConn(clientSide)
	handshake(t, client, "w1")

	const jobs = 20
	for i := 0; i < jobs; i++ {
		jobID := "J" + string(rune('A'+i))
		reg.Broadcast(job.Job{JobID: jobID, Raw: rawNotify(jobID)})
		line, err := client.ReadLine()
		if err != nil {
			t.Fatalf("read notify %d: %v", i, err)
		}
		if got := notifyJobID(t, line); got != jobID {
			t.Fatalf("job %d: expected unchanged id %q while fee pool is down, got %q", i, jobID, got)
		}
	}
	if fee.callCount() != 0 {
		t.Fatalf("fee pool should never have been reached during the outage, got %d calls", fee.callCount())
	}
}

// Scenario 6 (spec.md "Telemetry"): 10 accepted shares followed by 1
// rejected share produce a monotone, non-decreasing telemetry sequence
// that ends at accepted=10, rejected=1.
func TestScenarioTelemetryMonotonic(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	real := &fakeSubmitter{connected: true}
	for i := 0; i < 10; i++ {
		real.results = append(real.results, json.RawMessage("true"))
	}
	real.results = append(real.results, json.RawMessage("false"))

	sched := feesched.New(nil, nil, nil, nil)
	reg := newSessionRegistry(nil)
	fanIn := telemetry.NewFanIn()

	s := session.New(newPipeConn(serverSide), session.Deps{
		Real:      real,
		Scheduler: sched,
		Registry:  reg,
		FanIn:     fanIn,
		Log:       testLogger(t),
	})
	go s.Run()

	client := newPipeConn(clientSide)
	handshake(t, client, "w1")

	var lastAccepted, lastRejected int64
	for i := 0; i < 11; i++ {
		id := i + 3
		client.WriteLine([]byte(`{"id":` + itoa(id) + `,"method":"mining.submit","params":["w1","J1","0xabc` + itoa(i) + `"]}` + "\n"))
		if _, err := client.ReadLine(); err != nil {
			t.Fatalf("read submit response %d: %v", i, err)
		}

		snaps := fanIn.Drain()
		if len(snaps) == 0 {
			continue
		}
		w := snaps[len(snaps)-1]
		if w.AcceptedShares < lastAccepted || w.RejectedShares < lastRejected {
			t.Fatalf("telemetry regressed: accepted %d->%d rejected %d->%d",
				lastAccepted, w.AcceptedShares, lastRejected, w.RejectedShares)
		}
		lastAccepted, lastRejected = w.AcceptedShares, w.RejectedShares
	}

	if lastAccepted != 10 || lastRejected != 1 {
		t.Fatalf("expected final accepted=10 rejected=1, got accepted=%d rejected=%d", lastAccepted, lastRejected)
	}
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
