package run

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// runValidate is shared by all request types in this package.
var runValidate *validator.Validate

var identPattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]+$`)

func init() {
	runValidate = validator.New()
	runValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = runValidate.RegisterValidation("ident", validateIdent)
}

// validateIdent accepts task ids, game ids and provider-qualified model keys
// such as "openai/gpt-5" or "ls20-016295f7601e".
func validateIdent(fl validator.FieldLevel) bool {
	return identPattern.MatchString(fl.Field().String())
}

// StartRequest asks for a new streaming run.
type StartRequest struct {
	Feature  string         `json:"feature" validate:"required,max=64,ident"`
	TaskID   string         `json:"taskId" validate:"required,max=128,ident"`
	ModelKey string         `json:"modelKey" validate:"required,max=128,ident"`
	Mode     string         `json:"mode,omitempty" validate:"omitempty,oneof=explain hint critique"`
	Options  map[string]any `json:"options,omitempty" validate:"omitempty,max=64"`
}

// Validate checks the request and reports every failing field.
func (r *StartRequest) Validate() error {
	err := runValidate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "ident":
			msgs = append(msgs, fe.Field()+" contains invalid characters")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// OptionString returns a string option, or "" when absent or not a string.
func (r *StartRequest) OptionString(key string) string {
	if v, ok := r.Options[key].(string); ok {
		return v
	}
	return ""
}
