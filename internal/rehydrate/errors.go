package rehydrate

type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrMalformedInput indicates an input line that could not be parsed
	// as a tweet id
	ErrMalformedInput Error = "malformed tweet id"

	// ErrFatalProvider indicates a non-retryable provider error such as
	// bad credentials or a malformed request. These abort the run.
	ErrFatalProvider Error = "fatal provider error"
)
