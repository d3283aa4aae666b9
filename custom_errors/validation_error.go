package custom_errors

import (
	"errors"
	"fmt"
)

// ValidationError collects every problem found in one piece of input so the
// caller can fix them all at once.
type ValidationError struct {
	Errors []error `json:"errors"`
}

// NewValidationError returns nil when errs holds no error.
func NewValidationError(errs ...error) error {
	v := &ValidationError{}
	for _, err := range errs {
		if err != nil {
			v.Add(err)
		}
	}
	if !v.HasError() {
		return nil
	}
	return v
}

func (c *ValidationError) Add(err error) {
	c.Errors = append(c.Errors, err)
}

func (c *ValidationError) Addf(format string, args ...any) {
	c.Add(fmt.Errorf(format, args...))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(c.Errors...))
}

func (c *ValidationError) Unwrap() []error {
	return c.Errors
}
