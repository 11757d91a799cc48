package domain

import "fmt"

// Exception is the base type for every business exception raised by API
// endpoints. Errors that are not Exceptions are treated as system errors.
//
// Constructing an Exception has no side effects. Logging and alerting happen
// when it is handed to an exception.Reporter.
type Exception struct {
	Message string
	Code    int
	// Info carries free-form debugging context. It is logged but never
	// returned to clients.
	Info any

	reported bool
}

// NewException creates an Exception.
func NewException(message string, code int, info any) *Exception {
	return &Exception{Message: message, Code: code, Info: info}
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exception %d", e.Code)
	}
	return e.Message
}

// MarkReported records that the exception has been logged and alerted.
func (e *Exception) MarkReported() {
	e.reported = true
}

// Reported reports whether MarkReported was called.
func (e *Exception) Reported() bool {
	return e.reported
}
