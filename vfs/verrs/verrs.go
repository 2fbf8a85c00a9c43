// Package verrs defines the small set of typed error codes the VFS core
// returns to callers, as an alternative to exceptions: ENOENT, ENOTDIR,
// EEXIST, ENOSPC, ENOMEM, EBUSY, EINVAL. Fatal invariant violations are not
// represented here; they are plain panics raised at the point of detection.
package verrs

import "fmt"

// Kind identifies one of the error codes a VFS operation may return.
type Kind int

const (
	// ENOENT indicates a path resolver or dirlookup failure to find a name.
	ENOENT Kind = iota
	// ENOTDIR indicates a path component that is not a directory.
	ENOTDIR
	// EEXIST indicates dirlink, mount, or object-store add found the name
	// already present.
	EEXIST
	// ENOSPC indicates balloc or the object store ran out of space.
	ENOSPC
	// ENOMEM indicates an in-memory table (inode cache, superblock table) is
	// full.
	ENOMEM
	// EBUSY indicates umount or device_put found references still
	// outstanding.
	EBUSY
	// EINVAL indicates a malformed mount/umount/pivot_root argument.
	EINVAL
)

func (k Kind) String() string {
	switch k {
	case ENOENT:
		return "ENOENT"
	case ENOTDIR:
		return "ENOTDIR"
	case EEXIST:
		return "EEXIST"
	case ENOSPC:
		return "ENOSPC"
	case ENOMEM:
		return "ENOMEM"
	case EBUSY:
		return "EBUSY"
	case EINVAL:
		return "EINVAL"
	default:
		return "EUNKNOWN"
	}
}

// Error is a VFS error carrying one of the Kind codes above plus a
// human-readable operation and detail.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

// New builds an *Error for op with the given kind and detail message.
func New(op string, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	ve, ok := err.(*Error)
	return ok && ve.Kind == kind
}
