// Package poolclient maintains one persistent Stratum connection to an
// upstream pool (real, fee, or develop-fee), multiplexing every worker
// session's shares for that pool onto a single socket.
package poolclient

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/logger"
)

const (
	loginTimeout    = 30 * time.Second
	idleTimeout     = 5 * time.Minute
	callTimeout     = 10 * time.Second
	submitTimeout   = 30 * time.Second
	baseBackoff     = time.Second
	maxBackoff      = 2 * time.Minute
	defaultJobPoolN = job.DefaultCapacity
)

// Endpoint is one "host:port[+ssl]" entry from an address list.
type Endpoint struct {
	Addr string
	TLS  bool
}

// ParseEndpoint parses one address-list entry.
func ParseEndpoint(raw string) Endpoint {
	raw = strings.TrimPrefix(raw, "stratum+tcp://")
	raw = strings.TrimPrefix(raw, "stratum+ssl://")
	raw = strings.TrimPrefix(raw, "stratum://")
	tlsEnabled := false
	if strings.HasSuffix(raw, "+ssl") {
		tlsEnabled = true
		raw = strings.TrimSuffix(raw, "+ssl")
	}
	return Endpoint{Addr: raw, TLS: tlsEnabled}
}

// Client is a Stratum V1 client connected to one upstream, with address-
// list failover and capped-backoff reconnection.
type Client struct {
	name      string
	endpoints []Endpoint
	workerName string
	password   string

	connMu sync.Mutex
	conn   net.Conn
	reader lineReader
	writeMu sync.Mutex

	connected atomic.Bool
	running   atomic.Bool
	stopCh    chan struct{}

	nextID  atomic.Int64
	pending map[int64]chan json.RawMessage
	pendMu  sync.Mutex

	jobs *job.Pool

	log *logger.Logger

	// OnJob fires for every mining.notify, after the job has already
	// been appended to Jobs.
	OnJob func(job.Job)
	// OnSetDifficulty fires for mining.set_difficulty when set; the
	// orchestrator sets none, so no pool's difficulty reaches workers.
	OnSetDifficulty func(float64)
	OnDisconnect    func(error)
	OnReconnected    func()
}

type lineReader interface {
	ReadBytes(delim byte) ([]byte, error)
}

// New builds a Client for an upstream identified by name, trying each
// address in order on every (re)connect attempt.
func New(name string, addresses []string, workerName, password string, log *logger.Logger) *Client {
	endpoints := make([]Endpoint, 0, len(addresses))
	for _, a := range addresses {
		endpoints = append(endpoints, ParseEndpoint(a))
	}
	return &Client{
		name:       name,
		endpoints:  endpoints,
		workerName: workerName,
		password:   password,
		pending:    make(map[int64]chan json.RawMessage),
		stopCh:     make(chan struct{}),
		jobs:       job.NewPool(defaultJobPoolN),
		log:        log,
	}
}

// Jobs returns the bounded pool of jobs notified by this upstream.
func (c *Client) Jobs() *job.Pool { return c.jobs }

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Login performs the initial connect, subscribe and authorize, trying
// every configured endpoint in order, and starts the reconnect loop
// regardless of whether the initial attempt succeeded — upstream
// outages are never fatal to the orchestrator, so a failed first
// attempt simply falls straight into the reconnect backoff.
func (c *Client) Login() error {
	c.running.Store(true)
	err := c.connectAny()
	go c.reconnectLoop()
	return err
}

// Stop tears down the client and abandons in-flight calls.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	c.closeConn()
}

func (c *Client) connectAny() error {
	var lastErr error
	for _, ep := range c.endpoints {
		if err := c.connectOne(ep); err != nil {
			lastErr = err
			c.log.Warnf(c.name, "dial %s failed: %v", ep.Addr, err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no upstream endpoints configured")
	}
	return lastErr
}

func (c *Client) connectOne(ep Endpoint) error {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	var conn net.Conn
	var err error
	if ep.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", ep.Addr, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = dialer.Dial("tcp", ep.Addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(45 * time.Second)
		tc.SetNoDelay(true)
	}

	c.connMu.Lock()
	c.conn = conn
	c.reader = newBufReader(conn)
	c.connMu.Unlock()
	c.pendMu.Lock()
	c.pending = make(map[int64]chan json.RawMessage)
	c.pendMu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	loginErrCh := make(chan error, 1)
	go func() {
		if err := c.subscribe(); err != nil {
			loginErrCh <- err
			return
		}
		loginErrCh <- c.authorize()
	}()

	select {
	case err := <-loginErrCh:
		if err != nil {
			c.closeConn()
			return err
		}
		c.log.Infof(c.name, "connected to %s", ep.Addr)
		return nil
	case <-time.After(loginTimeout):
		c.closeConn()
		return fmt.Errorf("login timeout against %s", ep.Addr)
	}
}

func (c *Client) subscribe() error {
	_, err := c.call("mining.subscribe", []any{"stratumproxy/1.0"}, callTimeout)
	return err
}

func (c *Client) authorize() error {
	resp, err := c.call("mining.authorize", []any{c.workerName, c.password}, callTimeout)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(resp, &ok); err != nil || !ok {
		return fmt.Errorf("authorization rejected: %s", string(resp))
	}
	return nil
}

// Call issues a JSON-RPC request upstream and blocks for its response.
func (c *Client) Call(method string, params []any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("%s: not connected", c.name)
	}
	return c.call(method, params, callTimeout)
}

// Submit forwards a worker's mining.submit upstream. A briefly
// disconnected upstream does not fail the submit immediately: the
// request is queued and retried against the connection as it comes
// back, bounded by the submit-specific 30s deadline rather than the
// shorter generic call timeout, since a stalled pool should not make a
// worker wait forever.
func (c *Client) Submit(params []any) (json.RawMessage, error) {
	return c.call("mining.submit", params, submitTimeout)
}

const callRetryInterval = 250 * time.Millisecond

func (c *Client) call(method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)

	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{ID: id, Method: method, Params: params}
	data, _ := json.Marshal(req)
	data = append(data, '\n')

	register := func() {
		c.pendMu.Lock()
		c.pending[id] = ch
		c.pendMu.Unlock()
	}
	unregister := func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}
	defer unregister()

	register()
	c.write(data) // best effort; a failed attempt is retried below

	retry := time.NewTicker(callRetryInterval)
	defer retry.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("%s: connection closed waiting for %s", c.name, method)
			}
			return resp, nil
		case <-deadline.C:
			return nil, fmt.Errorf("%s: timeout waiting for %s", c.name, method)
		case <-c.stopCh:
			return nil, fmt.Errorf("%s: client stopped", c.name)
		case <-retry.C:
			// the pending map is replaced wholesale on every (re)connect,
			// so a request whose registration was dropped by a reconnect
			// re-registers itself and is resent on the new connection.
			c.pendMu.Lock()
			_, registered := c.pending[id]
			if !registered && len(ch) == 0 {
				c.pending[id] = ch
			}
			c.pendMu.Unlock()
			if !registered && len(ch) == 0 {
				c.write(data)
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: not connected", c.name)
	}
	conn.SetWriteDeadline(time.Now().Add(callTimeout))
	_, err := conn.Write(data)
	return err
}

func (c *Client) readLoop(conn net.Conn) {
	for c.running.Load() {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if c.running.Load() {
				c.connected.Store(false)
				c.log.Warnf(c.name, "read error: %v", err)
				if c.OnDisconnect != nil {
					c.OnDisconnect(err)
				}
			}
			return
		}

		var msg struct {
			ID     *int64          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.ID != nil {
			c.pendMu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.pendMu.Unlock()
			if ok {
				if len(msg.Error) > 0 && string(msg.Error) != "null" {
					ch <- msg.Error
				} else {
					ch <- msg.Result
				}
			}
			continue
		}

		switch msg.Method {
		case "mining.notify":
			c.handleNotify(msg.Params)
		case "mining.set_difficulty":
			c.handleSetDifficulty(msg.Params)
		default:
			c.log.Debugf(c.name, "unhandled notification: %s", msg.Method)
		}
	}
}

func (c *Client) handleNotify(params json.RawMessage) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) == 0 {
		c.log.Warnf(c.name, "invalid mining.notify params")
		return
	}
	var jobID string
	_ = json.Unmarshal(raw[0], &jobID)
	cleanJobs := false
	if len(raw) > 0 {
		_ = json.Unmarshal(raw[len(raw)-1], &cleanJobs)
	}

	j := job.Job{JobID: jobID, CleanJobs: cleanJobs, Raw: params}
	if cleanJobs {
		c.jobs.Reset()
	}
	c.jobs.Push(j)

	if c.OnJob != nil {
		c.OnJob(j)
	}
}

func (c *Client) handleSetDifficulty(params json.RawMessage) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 1 {
		return
	}
	var diff float64
	if err := json.Unmarshal(raw[0], &diff); err != nil {
		return
	}
	if c.OnSetDifficulty != nil {
		c.OnSetDifficulty(diff)
	}
}

// closeConn tears down the live connection but deliberately leaves
// pending calls registered: a disconnected upstream is not a failure
// for any call still within its own timeout, so each one keeps waiting
// out its deadline in call() and is retried against whatever
// connection comes back (see call()'s retry ticker).
func (c *Client) closeConn() {
	c.connected.Store(false)
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) reconnectLoop() {
	backoff := baseBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		for c.connected.Load() {
			select {
			case <-c.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
		if !c.running.Load() {
			return
		}

		c.log.Infof(c.name, "reconnecting in %v", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		if !c.running.Load() {
			return
		}

		if err := c.connectAny(); err != nil {
			c.log.Errorf(c.name, "reconnect failed: %v", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			backoff += time.Duration(rand.Int63n(int64(time.Second)))
			continue
		}

		backoff = baseBackoff
		if c.OnReconnected != nil {
			c.OnReconnected()
		}
	}
}
