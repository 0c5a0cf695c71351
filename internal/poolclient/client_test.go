package poolclient

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shaeoj/stratumproxy/internal/logger"
)

// fakePool accepts one connection and answers subscribe/authorize with
// canned responses, then emits a mining.notify.
func fakePool(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	for i := 0; i < 2; i++ {
		line, err := r.ReadBytes('\n')
		if err != nil {
			t.Logf("fakePool read error: %v", err)
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			t.Logf("fakePool decode error: %v", err)
			return
		}
		switch req.Method {
		case "mining.subscribe":
			conn.Write([]byte(`{"id":1,"result":[[["mining.set_difficulty","a"],["mining.notify","a"]],"ae6812",4],"error":null}` + "\n"))
		case "mining.authorize":
			conn.Write([]byte(`{"id":2,"result":true,"error":null}` + "\n"))
		}
	}

	conn.Write([]byte(`{"id":null,"method":"mining.notify","params":["J1","prevhash","cb1","cb2",[],"20000000","1d00ffff","5f000000",true]}` + "\n"))
	time.Sleep(200 * time.Millisecond)
}

func testLogger(t *testing.T) *logger.Logger {
	l, err := logger.New(t.TempDir(), "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestClientLoginAndNotify(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakePool(t, ln)

	c := New("real", []string{ln.Addr().String()}, "worker1", "x", testLogger(t))
	if err := c.Login(); err != nil {
		t.Fatalf("login: %v", err)
	}
	defer c.Stop()

	deadline := time.After(2 * time.Second)
	for c.Jobs().Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job")
		case <-time.After(10 * time.Millisecond):
		}
	}
	j, ok := c.Jobs().Latest()
	if !ok || j.JobID != "J1" {
		t.Fatalf("expected job J1, got %+v ok=%v", j, ok)
	}
	if !c.Connected() {
		t.Fatal("expected connected=true")
	}
}

// TestSubmitQueuesThroughBriefOutage simulates a submit issued the
// instant the upstream connection drops: Submit must not fail
// instantly, and must succeed once a reconnect lands within the
// submit deadline.
func TestSubmitQueuesThroughBriefOutage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go fakePool(t, ln)

	c := New("real", []string{ln.Addr().String()}, "worker1", "x", testLogger(t))
	if err := c.Login(); err != nil {
		t.Fatalf("login: %v", err)
	}
	defer c.Stop()

	for !c.Connected() {
		time.Sleep(10 * time.Millisecond)
	}

	// Force the connection down without stopping the client, then bring
	// a second fake pool up on the same address shortly after, inside
	// the submit timeout window.
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	conn.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		acceptAndAcceptSubmit(t, ln)
	}()

	start := time.Now()
	resp, err := c.Submit([]any{"worker1", "J1", "00000000", "5f000000", "00000000"})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected submit to succeed after reconnect, got: %v", err)
	}
	var accepted bool
	if jsonErr := json.Unmarshal(resp, &accepted); jsonErr != nil || !accepted {
		t.Fatalf("expected accepted=true, got %s (err=%v)", resp, jsonErr)
	}
	if elapsed >= submitTimeout {
		t.Fatalf("submit should have completed well before the %v deadline, took %v", submitTimeout, elapsed)
	}
}

// acceptAndAcceptSubmit accepts one reconnect and answers the pending
// subscribe/authorize/submit sequence the client resends.
func acceptAndAcceptSubmit(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		switch req.Method {
		case "mining.subscribe":
			conn.Write([]byte(`{"id":` + itoa(req.ID) + `,"result":[[["mining.set_difficulty","a"],["mining.notify","a"]],"ae6812",4],"error":null}` + "\n"))
		case "mining.authorize":
			conn.Write([]byte(`{"id":` + itoa(req.ID) + `,"result":true,"error":null}` + "\n"))
		case "mining.submit":
			conn.Write([]byte(`{"id":` + itoa(req.ID) + `,"result":true,"error":null}` + "\n"))
			return
		}
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
