package whois

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

var (
	// ErrNoAddress is reported when resolution succeeds but yields no candidate
	// for the requested family.
	ErrNoAddress = errors.New("no address associated with hostname")

	// ErrNoBytesAccepted is reported when the transport accepts zero bytes of the
	// query without returning an error.
	ErrNoBytesAccepted = errors.New("no bytes accepted by transport")
)

// ResolutionError means the server name or port could not be turned into an address.
// System is true when the resolver failed locally rather than answering that the
// name does not exist.
type ResolutionError struct {
	Server string
	System bool
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Server, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type SocketCreationError struct {
	Err error
}

func (e *SocketCreationError) Error() string {
	return fmt.Sprintf("failed to create socket descriptor: %v", e.Err)
}

func (e *SocketCreationError) Unwrap() error { return e.Err }

type ConnectionError struct {
	Server string
	Addr   netip.AddrPort
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed connecting to %s (%s), port %d: %v", e.Server, e.Addr.Addr(), e.Addr.Port(), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type SendError struct {
	Query string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed sending command %q: %v", e.Query+"\r\n", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
