package protocol

import "encoding/json"

// Kind is the normalized worker-frame kind, collapsing both supported
// wire dialects onto one internal vocabulary.
type Kind int

const (
	KindUnknown Kind = iota
	KindSubscribe
	KindAuthorize
	KindSubmit
	KindSubmitHashrate
	KindConfigure
	KindSuggestDifficulty
)

// Event is a worker request normalized away from its wire dialect. Raw
// keeps the original params so a pass-through field can be re-emitted
// byte-exact if the session needs to echo it back.
type Event struct {
	Kind   Kind
	ID     any
	Params []json.RawMessage
	Raw    *Request
}

// dialect method name tables.
var (
	methodKinds = map[string]Kind{
		"mining.subscribe":         KindSubscribe,
		"mining.authorize":         KindAuthorize,
		"mining.submit":            KindSubmit,
		"mining.submitHashrate":    KindSubmitHashrate,
		"mining.configure":         KindConfigure,
		"mining.suggest_difficulty": KindSuggestDifficulty,
		"eth_submitLogin":          KindAuthorize,
		"eth_submitWork":           KindSubmit,
		"eth_submitHashrate":       KindSubmitHashrate,
	}
)

// NormalizeEvent classifies a decoded Request by its wire method name.
func NormalizeEvent(req *Request) Event {
	kind, ok := methodKinds[req.Method]
	if !ok {
		kind = KindUnknown
	}
	return Event{Kind: kind, ID: req.ID, Params: req.Params, Raw: req}
}

// IsEthDialect reports whether method belongs to the eth_* worker dialect
// rather than the mining.* dialect; session records it per connection.
// Submit params and responses are not reshaped by dialect.
func IsEthDialect(method string) bool {
	return len(method) > 4 && method[:4] == "eth_"
}
