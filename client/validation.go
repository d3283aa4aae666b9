package client

import (
	"github.com/RezaEskandarii/gofire/custom_errors"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// validateStruct adds one error per failed field to errs.
func validateStruct(v any, errs *custom_errors.ValidationError) {
	err := validate.Struct(v)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.Add(err)
		return
	}
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			errs.Addf("%s failed on %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
			continue
		}
		errs.Addf("%s failed on %s", fe.Namespace(), fe.Tag())
	}
}
