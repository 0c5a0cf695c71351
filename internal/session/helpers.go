package session

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shaeoj/stratumproxy/internal/telemetry"
)

func telemetryWorker(workerName, loginName string) telemetry.Worker {
	return telemetry.Worker{
		WorkerName: workerName,
		LoginName:  loginName,
		LastSeenAt: time.Now(),
	}
}

func marshalString(s string) ([]byte, error) {
	return json.Marshal(s)
}

func jsonTrue(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func parseHashrate(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
