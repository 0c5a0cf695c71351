package session

import "encoding/json"

// Submitter is the subset of poolclient.Client a session needs to
// forward shares and check liveness, kept narrow for testability.
type Submitter interface {
	Submit(params []any) (json.RawMessage, error)
	Connected() bool
}

// Registry tracks the one live session per worker name, implementing
// the session-replacement resolution of the duplicate-worker-name open
// question: Register closes and evicts any prior session already
// holding that name.
type Registry interface {
	Register(workerName string, s *Session)
	Unregister(s *Session)
}
