// Package transform turns raw study payloads into row-groups ready for loading.
//
// The flow for one record is Validate, then Flatten. Both are pure functions
// of their inputs; accumulation across records lives in Batch, which the run
// engine owns and drains at every flush.
package transform

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError reports a required field that is missing or mistyped.
// Field is the dotted JSON path, empty when the payload itself is malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Unwrap exposes the loader error type so callers can use loadererrors.IsType.
func (e *ValidationError) Unwrap() error {
	return loadererrors.New(loadererrors.ErrorTypeValidation, e.Error())
}

// Validate decodes raw into a Study and checks the required fields.
func Validate(raw []byte) (*models.Study, error) {
	var study models.Study
	if err := json.Unmarshal(raw, &study); err != nil {
		return nil, decodeError(err)
	}

	if err := validate.Struct(&study); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &ValidationError{
				Field:  trimRootNamespace(fe.Namespace()),
				Reason: fmt.Sprintf("failed %q rule", fe.Tag()),
			}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}

	return &study, nil
}

func decodeError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if typeErr.Struct != "" && field == "" {
			field = typeErr.Struct
		}
		return &ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return &ValidationError{Reason: "malformed JSON: " + err.Error()}
}

// trimRootNamespace turns "Study.protocolSection.identificationModule.nctId"
// into "protocolSection.identificationModule.nctId".
func trimRootNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// RecoverNctID looks up protocolSection.identificationModule.nctId in an
// arbitrary payload without failing. It returns nil when the value is missing
// or not a string.
func RecoverNctID(raw []byte) *string {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	node := interface{}(doc)
	for _, key := range []string{"protocolSection", "identificationModule", "nctId"} {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node, ok = m[key]
		if !ok {
			return nil
		}
	}
	id, ok := node.(string)
	if !ok {
		return nil
	}
	return &id
}
