package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Issue is one field-level validation failure.
type Issue struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Value string `json:"value,omitempty"`
}

// Issues flattens a validator error into field issues. Non-validation errors
// yield a single issue with an empty field.
func Issues(err error) []Issue {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Issue{{Rule: err.Error()}}
	}
	out := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, Issue{
			Field: strings.TrimPrefix(fe.Namespace(), rootNamespace(fe.Namespace())),
			Rule:  fe.Tag(),
			Value: fe.Param(),
		})
	}
	return out
}

func rootNamespace(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i+1]
	}
	return ""
}

func ValidateManifest(m Manifest) error {
	return validate.Struct(m)
}

func ValidateFunctionConfig(c FunctionConfig) error {
	return validate.Struct(c)
}

func ValidateCreateDeployment(req CreateDeploymentRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	if err := ValidateEnv(req.Env); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(req.Files))
	for _, f := range req.Files {
		if strings.Contains(f.Filename, "..") || strings.HasPrefix(f.Filename, "/") {
			return fmt.Errorf("invalid file path %q", f.Filename)
		}
		if _, dup := seen[f.Filename]; dup {
			return fmt.Errorf("duplicate file %q", f.Filename)
		}
		seen[f.Filename] = struct{}{}
		if f.Encoding == "base64" {
			if _, err := base64.StdEncoding.DecodeString(f.Content); err != nil {
				return fmt.Errorf("file %q is not valid base64", f.Filename)
			}
		}
	}
	return nil
}

// Bytes returns the decoded file content.
func (f SourceFile) Bytes() ([]byte, error) {
	if f.Encoding == "base64" {
		return base64.StdEncoding.DecodeString(f.Content)
	}
	return []byte(f.Content), nil
}
