package upload

// IsValidSize reports whether an upload of size bytes fits under ceiling.
// A ceiling of 0 means unlimited.
func IsValidSize(size int64, ceiling int64) bool {
	return ceiling == 0 || size < ceiling
}
