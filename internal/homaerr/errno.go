// Package homaerr defines the sentinel errors named in spec.md §7, plus a
// thin POSIX-style name mapping for callers at the plumbing boundary that
// need an errno-shaped result (mirroring homa_plumbing.c's use of -EAGAIN,
// -ENOMEM, etc. as syscall return values), following the teacher's
// sentinel-error convention (internal/peer/store.go's ErrAddrConflict,
// ErrAddrMuted, ErrAddrCooldown) rather than a custom error-code type.
package homaerr

import "errors"

var (
	// Argument errors (§7 "Argument errors").
	ErrBadFamily     = errors.New("homa: unsupported address family")
	ErrMessageTooBig = errors.New("homa: message exceeds HOMA_MAX_MESSAGE_LENGTH")
	ErrInval         = errors.New("homa: invalid argument")

	// Resource exhaustion (§7 "Resource exhaustion").
	ErrAgain           = errors.New("homa: operation would block")
	ErrNoMem           = errors.New("homa: out of memory")
	ErrAddrNotAvailable = errors.New("homa: no default port available")
	ErrAddrInUse       = errors.New("homa: port already bound")

	// RPC-level failures (§7 "RPC-level failures").
	ErrTimedOut     = errors.New("homa: rpc timed out")
	ErrHostUnreach  = errors.New("homa: host unreachable")
	ErrNotConn      = errors.New("homa: peer refused rpc")
	ErrProtoNoSupport = errors.New("homa: protocol not supported by peer")

	// Teardown / interruption (§7 "Teardown", "Interruption").
	ErrShutdown = errors.New("homa: socket is shut down")
	ErrIntr     = errors.New("homa: interrupted")

	// ErrRPCUnknown is returned locally when an operation names an RPC id
	// that no longer exists in the table (already reaped, or never
	// existed) — distinct from the on-wire RPC_UNKNOWN packet kind.
	ErrRPCUnknown = errors.New("homa: no such rpc")
)

// Errno is the POSIX-style name for a sentinel error, used only where a
// caller genuinely needs the symbolic name (e.g. a CLI printing syscall
// results); the engine itself always propagates the sentinel error values
// above.
func Errno(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBadFamily), errors.Is(err, ErrInval):
		return "EINVAL"
	case errors.Is(err, ErrMessageTooBig):
		return "EINVAL"
	case errors.Is(err, ErrAgain):
		return "EAGAIN"
	case errors.Is(err, ErrNoMem):
		return "ENOMEM"
	case errors.Is(err, ErrAddrNotAvailable):
		return "EADDRNOTAVAIL"
	case errors.Is(err, ErrAddrInUse):
		return "EADDRINUSE"
	case errors.Is(err, ErrTimedOut):
		return "ETIMEDOUT"
	case errors.Is(err, ErrHostUnreach):
		return "EHOSTUNREACH"
	case errors.Is(err, ErrNotConn):
		return "ENOTCONN"
	case errors.Is(err, ErrProtoNoSupport):
		return "EPROTONOSUPPORT"
	case errors.Is(err, ErrShutdown):
		return "ESHUTDOWN"
	case errors.Is(err, ErrIntr):
		return "EINTR"
	case errors.Is(err, ErrRPCUnknown):
		return "EINVAL"
	default:
		return "EIO"
	}
}
