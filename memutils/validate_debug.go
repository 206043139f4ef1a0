//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of guard data placed after each suballocation in blocks
	// managed by memutils. It is 0 unless the debug_mem_utils build tag is present.
	DebugMargin int = 16
	// corruptionDetectionMagicValue fills each guard region so overruns are recognizable
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue fills the DebugMargin bytes at data+offset with the guard pattern. It no-ops
// unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	words := unsafe.Slice((*uint32)(unsafe.Add(data, offset)), DebugMargin/int(unsafe.Sizeof(uint32(0))))
	for i := range words {
		words[i] = corruptionDetectionMagicValue
	}
}

// ValidateMagicValue reports whether the guard pattern written by WriteMagicValue at data+offset
// is intact. It always reports true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	words := unsafe.Slice((*uint32)(unsafe.Add(data, offset)), DebugMargin/int(unsafe.Sizeof(uint32(0))))
	for i := range words {
		if words[i] != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate runs the provided object's self-consistency check and panics on failure. It
// no-ops unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if the provided value is not a power of two. It no-ops unless the
// debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
