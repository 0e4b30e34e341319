package errors

import "fmt"

type CoordError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoordError) Unwrap() error {
	return e.Err
}

func New(code, message string) *CoordError {
	return &CoordError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *CoordError {
	return &CoordError{Code: code, Message: message, Err: err}
}
