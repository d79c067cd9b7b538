package backend

import "fmt"

// BackendRequestError is a transport failure or a non-2xx answer from the initiation endpoint.
type BackendRequestError struct {
	StatusCode int    // 0 when no response was received
	Body       string // response body, trimmed
	Err        error
}

func (e *BackendRequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server responded with %d: %s", e.StatusCode, e.Body)
	}

	return fmt.Sprintf("request to backend failed: %v", e.Err)
}

func (e *BackendRequestError) Unwrap() error {
	return e.Err
}

// BackendLogicError is a 2xx answer that refused the download.
type BackendLogicError struct {
	Message string
}

func (e *BackendLogicError) Error() string {
	return e.Message
}
