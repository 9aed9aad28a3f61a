package actions

import (
	"fmt"

	"github.com/solatis/serverrules/internal/types"
)

// DuplicateTagError is returned by Register when the tag is taken.
type DuplicateTagError struct {
	Tag string
}

func (e *DuplicateTagError) Error() string {
	return fmt.Sprintf("operator tag %q already registered", e.Tag)
}

func (e *DuplicateTagError) Unwrap() error { return types.ErrDuplicateTag }

// UnknownOperatorError is returned by Resolve for an unregistered tag.
type UnknownOperatorError struct {
	Tag string
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("no operator registered for tag %q", e.Tag)
}

func (e *UnknownOperatorError) Unwrap() error { return types.ErrUnknownOperator }

// UnknownActionTagError fails a compile that meets an unregistered element.
type UnknownActionTagError struct {
	Tag string
}

func (e *UnknownActionTagError) Error() string {
	return fmt.Sprintf("unknown action tag <%s>", e.Tag)
}

func (e *UnknownActionTagError) Unwrap() error { return types.ErrUnknownActionTag }
