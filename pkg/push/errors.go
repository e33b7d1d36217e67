package push

import "fmt"

// ConflictError is returned when a token is registered under multiple
// activations and the caller used the single-activation path. The
// multi-activation registration call resolves the ambiguity.
type ConflictError struct {
	AppID     string
	PushToken string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("token for app %s is registered to multiple activations, use the multi-activation registration", e.AppID)
}

// CacheInitError wraps a failure to construct provider clients from
// stored credentials. The failing entry is not cached, so a later
// lookup retries construction.
type CacheInitError struct {
	AppID string
	Err   error
}

func (e *CacheInitError) Error() string {
	return fmt.Sprintf("initializing provider clients for app %s: %v", e.AppID, e.Err)
}

func (e *CacheInitError) Unwrap() error {
	return e.Err
}
