//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of guard data placed after each suballocation in blocks
	// managed by memutils. It is 0 unless the debug_mem_utils build tag is present.
	DebugMargin int = 0
)

// WriteMagicValue fills the DebugMargin bytes at data+offset with the guard pattern. It no-ops
// unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue reports whether the guard pattern written by WriteMagicValue at data+offset
// is intact. It always reports true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate runs the provided object's self-consistency check and panics on failure. It
// no-ops unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 panics if the provided value is not a power of two. It no-ops unless the
// debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
