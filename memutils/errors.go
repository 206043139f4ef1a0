package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrInvalidArgument is returned (usually wrapped with detail) when a caller passes an argument
// that can be rejected before any state is mutated: a zero or negative size, an alignment that
// is not a power of two, an unsupported flag combination, and so on. It is fatal to the single
// call only.
var ErrInvalidArgument error = errors.New("invalid argument")

// ErrOutOfDeviceMemory is returned when no candidate memory type, pool, or block can satisfy a
// request after growth policy has been exhausted. Callers can recover by freeing memory and
// retrying. State is never corrupted by this error.
var ErrOutOfDeviceMemory error = errors.New("out of device memory")

// ErrTooFragmented is returned instead of ErrOutOfDeviceMemory when the aggregate free bytes in
// the searched blocks could satisfy the request, but no single contiguous range can. Callers
// may prefer to run defragmentation rather than free memory when they see this error.
var ErrTooFragmented error = errors.New("memory is too fragmented for the requested contiguous range")

// ErrBackendFailure wraps errors propagated verbatim from the device-memory backend (block
// creation, mapping, copies). Failures of this kind are fatal to the call that triggered them
// and are never retried automatically.
var ErrBackendFailure error = errors.New("device memory backend failure")

// ErrAllocationLost is returned when a caller attempts to access the memory of an allocation
// that has been marked lost. Check Allocation validity with Touch before use.
var ErrAllocationLost error = errors.New("allocation has been marked lost")
