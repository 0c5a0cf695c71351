// Package supervisor reports telemetry snapshots to an external
// dashboard process over a loopback socket, best-effort.
package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/shaeoj/stratumproxy/internal/logger"
	"github.com/shaeoj/stratumproxy/internal/telemetry"
)

// DefaultAddr is the loopback address the supervisor listens on.
const DefaultAddr = "127.0.0.1:65501"

const retryInterval = 120 * time.Second

type snapshotEnvelope struct {
	Name   string           `json:"name"`
	Worker telemetry.Worker `json:"worker"`
}

// Client dials DefaultAddr and forwards coalesced telemetry snapshots as
// newline-delimited JSON, retrying the connection every 120s and
// silently dropping snapshots produced while disconnected.
type Client struct {
	instanceName string
	addr         string
	log          *logger.Logger
}

// New builds a supervisor Client for the given proxy instance name.
func New(instanceName string, log *logger.Logger) *Client {
	return &Client{instanceName: instanceName, addr: DefaultAddr, log: log}
}

// Run drains fanIn until ctx is cancelled, connecting and reconnecting
// to the supervisor as needed.
func (c *Client) Run(ctx context.Context, fanIn *telemetry.FanIn) {
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	reconnectTimer := time.NewTimer(0)
	defer reconnectTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnectTimer.C:
			if conn != nil {
				continue
			}
			dialed, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
			if err != nil {
				c.log.Debugf("supervisor", "connect failed: %v", err)
				reconnectTimer.Reset(retryInterval)
				continue
			}
			conn = dialed
			c.log.Infof("supervisor", "connected to %s", c.addr)
		case <-fanIn.C():
			for _, w := range fanIn.Drain() {
				if conn == nil {
					continue // best-effort: drop snapshots while disconnected
				}
				env := snapshotEnvelope{Name: c.instanceName, Worker: w}
				data, err := json.Marshal(env)
				if err != nil {
					continue
				}
				data = append(data, '\n')
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if _, err := conn.Write(data); err != nil {
					c.log.Warnf("supervisor", "write failed, dropping: %v", err)
					conn.Close()
					conn = nil
					reconnectTimer.Reset(retryInterval)
				}
			}
		}
	}
}
