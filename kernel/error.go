package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so they can be returned and compared without touching the
// Go allocator, which is not available while the memory subsystem boots.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
