package whatsapp

import "github.com/pkg/errors"

// Error kinds surfaced by the bridge. Callers classify with errors.Is.
var (
	// ErrTransport network, DNS or timeout failure talking to the session service.
	ErrTransport = errors.New("transport error")
	// ErrProtocol non-JSON or unexpected response schema.
	ErrProtocol = errors.New("protocol error")
	// ErrRemote the session service answered but reported a failure.
	ErrRemote = errors.New("remote error")
	// ErrDeviceNotFound a device key or id that the registry does not know.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrValidation malformed webhook or request payload.
	ErrValidation = errors.New("validation error")
)

// ErrorKind is the short tag carried in results, e.g. "transport".
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindTransport      ErrorKind = "transport"
	KindProtocol       ErrorKind = "protocol"
	KindRemote         ErrorKind = "remote"
	KindDeviceNotFound ErrorKind = "device_not_found"
	KindValidation     ErrorKind = "validation"
	KindInternal       ErrorKind = "internal"
)

// KindOf maps an error chain to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrRemote):
		return KindRemote
	case errors.Is(err, ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}
