package httpserver

import (
	"fmt"
	"net/http"
)

// HTTPError is a structured fault. The decorator writes Status and Message
// unchanged instead of turning the error into a 500.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NotFound() *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Message: "404: Not Found"}
}

func Forbidden() *HTTPError {
	return &HTTPError{Status: http.StatusForbidden, Message: "403: Forbidden"}
}

func Errorf(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// panicError carries a recovered panic value and the stack at recovery.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.value)
}

func (e *panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}
