package client

import (
	"errors"
	"fmt"
	"strings"

	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
)

var (
	// ErrTransport matches every failure to complete an HTTP exchange.
	ErrTransport = errors.New("builder transport failure")
	// ErrSchemaValidation matches every response body that does not fit the
	// schema of the expected milestone.
	ErrSchemaValidation = errors.New("builder response failed schema validation")
	// ErrUnsupportedMilestone is returned when the builder API defines no
	// schema for the milestone of the request.
	ErrUnsupportedMilestone = builder_types.ErrUnsupportedMilestone
)

type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// MissingFieldsError lists the dotted paths of the required fields absent
// from a response.
type MissingFieldsError struct {
	Milestone common.Milestone
	Fields    []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf(
		"required fields: (%s) were not set for %s response",
		strings.Join(e.Fields, ", "),
		e.Milestone,
	)
}

func (e *MissingFieldsError) Is(target error) bool {
	return target == ErrSchemaValidation
}

type VersionMismatchError struct {
	Expected common.Milestone
	Received common.Milestone
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf(
		"wrong response version: expected %s, received %s",
		e.Expected,
		e.Received,
	)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrSchemaValidation
}

type DecodeError struct {
	Milestone common.Milestone
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode %s response: %v", e.Milestone, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrSchemaValidation
}
