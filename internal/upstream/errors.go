package upstream

import "fmt"

// The provider error taxonomy. Every Client method returns one of these
// kinds (or nil); callers branch with errors.As.

// TransportError wraps network-level failures. Retryable at the tick level.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("upstream transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError is a provider 429. RetryAfterSeconds is zero when the
// provider did not send a Retry-After header.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("upstream rate limited, retry after %ds", e.RetryAfterSeconds)
	}
	return "upstream rate limited"
}

// RequestError is a provider 4xx other than 429: the request itself was
// rejected and retrying without change will not help.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("upstream rejected request: status %d: %s", e.Status, e.Body)
}

// UnexpectedResponseError covers 5xx and unparseable bodies.
type UnexpectedResponseError struct {
	Status int
	Detail string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("upstream unexpected response: status %d: %s", e.Status, e.Detail)
}
