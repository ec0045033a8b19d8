package client

import "fmt"

// Response is the outcome of a builder call that reached the builder.
// Exactly one of IsSuccess and IsFailure holds.
type Response[T any] struct {
	payload      *T
	failed       bool
	statusCode   int
	errorMessage string
}

// Success wraps payload; a nil payload is an empty success.
func Success[T any](payload *T) *Response[T] {
	return &Response[T]{payload: payload}
}

// Failure carries the HTTP status and the response body verbatim.
func Failure[T any](statusCode int, errorMessage string) *Response[T] {
	return &Response[T]{
		failed:       true,
		statusCode:   statusCode,
		errorMessage: errorMessage,
	}
}

func (r *Response[T]) IsSuccess() bool {
	return !r.failed
}

func (r *Response[T]) IsFailure() bool {
	return r.failed
}

// Payload is nil on failures and on empty successes.
func (r *Response[T]) Payload() *T {
	return r.payload
}

func (r *Response[T]) StatusCode() int {
	return r.statusCode
}

func (r *Response[T]) ErrorMessage() string {
	return r.errorMessage
}

func (r *Response[T]) String() string {
	switch {
	case r.failed:
		return fmt.Sprintf("Failure(%d, %q)", r.statusCode, r.errorMessage)
	case r.payload == nil:
		return "Success(empty)"
	default:
		return fmt.Sprintf("Success(%T)", r.payload)
	}
}
