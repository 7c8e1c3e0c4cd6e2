package offline

import "net/http"

// Decision is what the runtime should do with an intercepted request.
type Decision int

const (
	// DecisionPassThrough leaves the request to default network handling.
	DecisionPassThrough Decision = iota
	// DecisionRespond substitutes FetchResult.Response.
	DecisionRespond
	// DecisionFailed means the request was intercepted but no response exists.
	DecisionFailed
)

func (d Decision) String() string {
	switch d {
	case DecisionPassThrough:
		return "pass_through"
	case DecisionRespond:
		return "respond"
	case DecisionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Source tells where a substituted response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// FetchResult is the outcome of a fetch event. Err carries the network
// error behind a cache fallback or a failed load, for logging only.
type FetchResult struct {
	Decision Decision
	Response *http.Response
	Source   Source
	Err      error
}
