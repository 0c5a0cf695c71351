// Package telemetry tracks per-connection worker statistics and fans
// coalesced snapshots out to the supervisor.
package telemetry

import "time"

// Worker is the per-connection telemetry record, created on a successful
// mining.authorize and destroyed on socket close. It is mutated only by
// the owning WorkerSession.
type Worker struct {
	WorkerName        string
	LoginName         string
	AcceptedShares    int64
	RejectedShares    int64
	AcceptedFeeShares int64
	RejectedFeeShares int64
	HashrateWindow    float64
	LastSeenAt        time.Time
}
