package metadata

// A granularity check that never conflicts
type FakeGranularityCheck struct{}

func (c FakeGranularityCheck) AllocPages(allocType uint32, offset, size int) {}
func (c FakeGranularityCheck) FreePages(offset, size int)                    {}
func (c FakeGranularityCheck) Clear()                                        {}
func (c FakeGranularityCheck) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}
func (c FakeGranularityCheck) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (c FakeGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}
func (c FakeGranularityCheck) StartValidation() any {
	return nil
}
func (c FakeGranularityCheck) Validate(ctx any, offset, size int) error {
	return nil
}
func (c FakeGranularityCheck) FinishValidation(ctx any) error {
	return nil
}

// A granularity check with a fixed page size that treats differing allocation types as
// conflicting. Mirrors the behavior consumers implement for real placement-granularity rules.
type ConflictGranularityCheck struct {
	PageSize int
}

func (c ConflictGranularityCheck) AllocPages(allocType uint32, offset, size int) {}
func (c ConflictGranularityCheck) FreePages(offset, size int)                    {}
func (c ConflictGranularityCheck) Clear()                                        {}
func (c ConflictGranularityCheck) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}
func (c ConflictGranularityCheck) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}
func (c ConflictGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return firstAllocType != secondAllocType
}
func (c ConflictGranularityCheck) StartValidation() any {
	return nil
}
func (c ConflictGranularityCheck) Validate(ctx any, offset, size int) error {
	return nil
}
func (c ConflictGranularityCheck) FinishValidation(ctx any) error {
	return nil
}
