package memutils

// Validatable is anything with a self-consistency check. DebugValidate calls it in builds with
// the debug_mem_utils tag and panics on failure; release builds skip the check entirely, so
// Validate implementations may be as slow as they need to be.
type Validatable interface {
	Validate() error
}
