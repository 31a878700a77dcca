package bdtree

import (
	"errors"
	"fmt"
)

// Sentinel errors for the host table contract (NotFound, Exists,
// WrongVersion) plus a couple of structural/config errors. Callers compare
// with errors.Is; wrapped occurrences carry extra context via %w.
var (
	// ErrNotFound is returned by PointerTable/NodeTable Read/Update/Remove when
	// the addressed entry does not exist.
	ErrNotFound = errors.New("bdtree: not found")
	// ErrExists is returned by Insert when the address is already bound. For
	// node-table physical pointers this indicates a corrupted allocator and is
	// treated as fatal by the core (physical pointers are monotonic).
	ErrExists = errors.New("bdtree: already exists")
	// ErrWrongVersion is returned by PointerTable Update/Remove when the
	// expected version does not match the stored one. Use AsWrongVersion to
	// recover the current version for cache freshening.
	ErrWrongVersion = errors.New("bdtree: wrong version")

	// ErrKeyExists names the key-already-present condition. Tree.Insert does
	// not return it; it reports that case by returning false.
	ErrKeyExists = errors.New("bdtree: key already exists")
	// ErrKeyNotFound names the key-absent condition. Tree.Erase does not
	// return it; it reports that case by returning false.
	ErrKeyNotFound = errors.New("bdtree: key not found")

	// ErrConsolidateAtMustBeZero is returned by Iterator.EraseIfUnmodified when
	// Config.ConsolidateAt != 0. The erase-if-unmodified CAS path does not
	// understand delta chains.
	ErrConsolidateAtMustBeZero = errors.New("bdtree: EraseIfUnmodified requires ConsolidateAt == 0")

	ErrClosed = errors.New("bdtree: tree is closed")

	errConfigSizeOrder     = errors.New("bdtree: MaxNodeSize must be greater than MinNodeSize")
	errConfigConsolidateAt = errors.New("bdtree: ConsolidateAt must be >= 0")
	errConfigCacheShape    = errors.New("bdtree: CacheBuckets must be > 0")

	// errRestart signals an internal operation (leaf op, split, merge) must be
	// retried from a fresh descent; it never escapes the package.
	errRestart = errors.New("bdtree: restart")
	// errHelpedAway signals that a resolve delegated to an SMO helper and the
	// caller must restart its own traversal rather than trust the result.
	errHelpedAway = errors.New("bdtree: delegated to structure-modifying helper")
)

// WrongVersionError carries the current version of a pointer-table entry back
// to the caller so it can freshen its cache without a second round trip.
type WrongVersionError struct {
	Current uint64
}

func (e *WrongVersionError) Error() string {
	return fmt.Sprintf("bdtree: wrong version, current=%d", e.Current)
}

func (e *WrongVersionError) Is(target error) bool { return target == ErrWrongVersion }

// AsWrongVersion extracts a *WrongVersionError from an error chain.
func AsWrongVersion(err error) (*WrongVersionError, bool) {
	var wv *WrongVersionError
	if errors.As(err, &wv) {
		return wv, true
	}
	return nil, false
}

func isNotFound(err error) bool { return err != nil && errors.Is(err, ErrNotFound) }
func isExists(err error) bool   { return err != nil && errors.Is(err, ErrExists) }
func isWrongVersion(err error) bool { return err != nil && errors.Is(err, ErrWrongVersion) }
