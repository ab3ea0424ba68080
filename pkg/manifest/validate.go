package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"github.com/go-playground/validator/v10"

	schemasassets "github.com/3leaps/gofleet/internal/assets/schemas"
)

// Document identifies which embedded schema a document is validated against.
type Document string

const (
	DocDeployment    Document = "deployment manifest"
	DocCloudConfig   Document = "cloud config"
	DocRuntimeConfig Document = "runtime config"
	DocRelease       Document = "release manifest"
)

var (
	// ErrSchemaNotFound indicates an embedded schema is missing.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates a document failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

type cachedValidator struct {
	once sync.Once
	v    *schema.Validator
	err  error
}

var validators = map[Document]*cachedValidator{
	DocDeployment:    {},
	DocCloudConfig:   {},
	DocRuntimeConfig: {},
	DocRelease:       {},
}

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/instance_groups/0/name").
	Path string

	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("manifest validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks raw JSON data against the schema for doc.
//
// Raw validation sees every field of the input, so unknown keys are
// rejected even though struct decoding would drop them.
func ValidateRaw(doc Document, jsonData []byte) error {
	v, err := getValidator(doc)
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if len(diags) == 0 {
		return nil
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateStruct runs the `validate` struct tags on a decoded document.
// These cover cross-field rules the schema cannot express.
func ValidateStruct(doc any) error {
	structValidatorOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	err := structValidator.Struct(doc)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed '%s' check", fe.Tag()),
		})
	}
	return errs
}

// fieldPath turns "Deployment.InstanceGroups[0].Name" into
// "/InstanceGroups/0/Name".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	r := strings.NewReplacer(".", "/", "[", "/", "]", "")
	return "/" + r.Replace(ns)
}

func schemaFor(doc Document) []byte {
	switch doc {
	case DocDeployment:
		return schemasassets.DeploymentManifestSchema
	case DocCloudConfig:
		return schemasassets.CloudConfigSchema
	case DocRuntimeConfig:
		return schemasassets.RuntimeConfigSchema
	case DocRelease:
		return schemasassets.ReleaseSchema
	}
	return nil
}

// getValidator returns a validator compiled once per document type.
func getValidator(doc Document) (*schema.Validator, error) {
	cv, ok := validators[doc]
	if !ok {
		return nil, fmt.Errorf("%w: unknown document type %q", ErrSchemaNotFound, doc)
	}
	cv.once.Do(func() {
		raw := schemaFor(doc)
		if len(raw) == 0 {
			cv.err = fmt.Errorf("%w: embedded %s schema is empty", ErrSchemaNotFound, doc)
			return
		}
		cv.v, cv.err = schema.NewValidator(raw)
		if cv.err != nil {
			cv.err = fmt.Errorf("failed to compile %s schema: %w", doc, cv.err)
		}
	})
	return cv.v, cv.err
}
