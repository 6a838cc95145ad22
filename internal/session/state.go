package session

import "errors"

// State is the controller's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

var (
	// ErrNotReady is returned when encrypt/decrypt/rotate is called before
	// Mount completed or after Close.
	ErrNotReady = errors.New("session: controller not ready")

	// ErrEncryptionUnavailable is returned when the controller is mounted
	// but degraded (no usable key, typically after a store outage). The
	// call site decides whether to fall back to plaintext or block.
	ErrEncryptionUnavailable = errors.New("session: encryption unavailable")

	// ErrRotationRequired is returned by Encrypt when the held key needs
	// rotating. The call site is expected to rotate once and retry once.
	ErrRotationRequired = errors.New("session: key rotation required")

	// ErrRotationInProgress is returned to a rotate call that races an
	// ongoing rotation.
	ErrRotationInProgress = errors.New("session: rotation already in progress")

	// ErrRotationFailed wraps generation or persistence failures during
	// rotation. The controller returns to Ready on the old key and the
	// rotation may be retried.
	ErrRotationFailed = errors.New("session: rotation failed")
)
