package common

import (
	"github.com/pkg/errors"
)

// Wrap annotates err with the stack trace at the point Wrap is called.  A nil
// error stays nil.
func Wrap(err error) error {
	return errors.WithStack(err)
}

// Wrapf annotates err with a message and the stack trace.  Unwrap still
// returns err.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Unwrap returns the underlying cause of an error wrapped with Wrap
func Unwrap(err error) error {
	return errors.Cause(err)
}

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrCapacityExceeded is used when an insertion would overflow the tree
var ErrCapacityExceeded = errors.New("merkle tree capacity exceeded")

// ErrIndexOutOfRange is used when a leaf index is negative or not yet
// inserted
var ErrIndexOutOfRange = errors.New("leaf index out of range")

// ErrInvalidBatchSize is used when a batch size is not one of 4, 8, 16 or 32,
// or when the number of leaves does not match the batch size
var ErrInvalidBatchSize = errors.New("invalid batch size")

// ErrUnregisteredAsset is used when the deposited asset has no wrapped
// counterpart registered for the target pool
var ErrUnregisteredAsset = errors.New("unregistered asset")

// ErrUnrecognizedPool is used when the deposit targets an unknown pool
var ErrUnrecognizedPool = errors.New("unrecognized pool")

// ErrProofVerificationFailed is used when a proof does not verify against
// its public signals
var ErrProofVerificationFailed = errors.New("proof verification failed")

// ErrDigestMismatch is used when a recomputed argsHash differs from the
// received one
var ErrDigestMismatch = errors.New("args hash digest mismatch")

// ErrDoubleSpend is used when a nullifier has already been recorded
var ErrDoubleSpend = errors.New("nullifier already spent")

// ErrStaleRoot is used when the submitted old root no longer matches the
// ledger root
var ErrStaleRoot = errors.New("stale merkle root")

// ErrNoTreeIndex is used when the nullifier of a note that has not been
// inserted in the tree is requested
var ErrNoTreeIndex = errors.New("note has no tree index")

// ErrNotEnoughQueued is used when the queue holds less items than the batch
// being built needs
var ErrNotEnoughQueued = errors.New("not enough queued items for batch")

// ErrSwapExpired is used when the current time is outside the swap validity
// window
var ErrSwapExpired = errors.New("swap outside validity window")

// ErrUnbalanced is used when the amounts of a transaction or swap leg do not
// add up
var ErrUnbalanced = errors.New("unbalanced amounts")

// ErrInvalidSignature is used when a swap signature does not verify
var ErrInvalidSignature = errors.New("invalid signature")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// IsRecoverable returns true for errors that callers should handle by
// retrying with fresh inputs: a spent nullifier or a stale root.
func IsRecoverable(err error) bool {
	cause := Unwrap(err)
	return cause == ErrDoubleSpend || cause == ErrStaleRoot
}

// IsDefect returns true for errors that can only happen with a serialization
// or proving bug.  They must be logged and never retried blindly.
func IsDefect(err error) bool {
	cause := Unwrap(err)
	return cause == ErrDigestMismatch || cause == ErrProofVerificationFailed
}
