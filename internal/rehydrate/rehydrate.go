package rehydrate

import "encoding/json"

const (
	// MaxBatchSize is the largest number of ids the statuses/lookup
	// endpoint accepts in a single call.
	MaxBatchSize = 100

	NotFound       FailureKind = "not_found"
	RateLimited    FailureKind = "rate_limited"
	TransientError FailureKind = "transient_error"
)

// ID is a tweet identifier. Tweet ids are opaque; the numeric value is
// only ever parsed, compared, and printed back out.
type ID int64

// Record is a rehydrated tweet. Source holds the provider's JSON object
// exactly as returned, with no reinterpretation of its fields.
type Record struct {
	// ID of the tweet the record was rehydrated from
	ID ID

	// Source is the raw tweet object from the lookup response
	Source json.RawMessage
}

// Failure records an identifier that could not be rehydrated and why.
// These are appended to the failure log so a later run can target only
// the missing ids.
type Failure struct {
	ID ID `json:"id"`

	Reason FailureKind `json:"reason"`
}

// FailureKind communicates why an id could not be rehydrated. One of
// NotFound, RateLimited, or TransientError
type FailureKind string

func (k FailureKind) String() string { return string(k) }

// Result is the outcome for a single input id. Exactly one of Record or
// Failure is set.
type Result struct {
	ID ID

	Record *Record

	Failure *Failure
}

// Summary counts run outcomes by kind
type Summary struct {
	Succeeded      int
	NotFound       int
	RateLimited    int
	TransientError int
}

// Failed is the number of ids that ended in the failure log
func (s Summary) Failed() int {
	return s.NotFound + s.RateLimited + s.TransientError
}

// Total is the number of ids accounted for by the run
func (s Summary) Total() int {
	return s.Succeeded + s.Failed()
}
