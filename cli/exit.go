package cli

import "fmt"

// Process exit codes. Cobra's RunE surfaces these to main through
// ExitError; anything else exits 1.
const (
	exitValidation   = 1
	exitRuntime      = 2
	exitFileNotFound = 3
	exitProvider     = 4
	exitTimeout      = 5
)

// ExitError is an error that carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
