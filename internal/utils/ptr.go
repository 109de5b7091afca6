package utils

// Ptr returns a pointer to a copy of v, for optional fields such as sessions.Patch
func Ptr[T any](v T) *T {
	return &v
}
