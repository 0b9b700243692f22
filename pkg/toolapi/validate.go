package toolapi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/cycjobs/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ErrCatalogInvalid indicates the catalog failed schema validation.
var ErrCatalogInvalid = errors.New("catalog validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// SchemaIssue is a single schema violation.
type SchemaIssue struct {
	Path    string
	Message string
}

func (e SchemaIssue) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// SchemaIssues collects every violation found in one document.
type SchemaIssues []SchemaIssue

func (e SchemaIssues) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "catalog validation failed with %d errors:", len(e))
	for _, issue := range e {
		b.WriteString("\n  - ")
		b.WriteString(issue.Error())
	}
	return b.String()
}

func (e SchemaIssues) Unwrap() error {
	return ErrCatalogInvalid
}

// ValidateRaw checks a JSON document against the embedded catalog schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var issues SchemaIssues
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			issues = append(issues, SchemaIssue{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return issues
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ToolCatalogSchema) == 0 {
			validatorErr = errors.New("embedded tool-catalog schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ToolCatalogSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile catalog schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
