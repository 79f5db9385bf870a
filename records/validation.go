package records

import (
	"net/url"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"tlsn-host/shared"
)

// Register AJV-like custom formats and compile the form schema on init
func init() {
	// url: require scheme+host
	gojsonschema.FormatCheckers.Add("url", urlFormatChecker{})

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(formSchemaJSON))
	if err != nil {
		panic("records: form schema does not compile: " + err.Error())
	}
	compiledFormSchema = schema
}

type urlFormatChecker struct{}

func (urlFormatChecker) IsFormat(input interface{}) bool {
	str, ok := input.(string)
	if !ok {
		return false
	}
	u, err := url.Parse(str)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

const formSchemaJSON = `{
	"type": "object",
	"required": ["localPort", "remoteHost", "remotePort", "url"],
	"properties": {
		"localPort": {"type": "integer", "minimum": 1, "maximum": 65535},
		"remotePort": {"type": "integer", "minimum": 1, "maximum": 65535},
		"remoteHost": {"type": "string", "minLength": 1},
		"url": {"type": "string", "format": "url"},
		"notaryUrl": {"type": "string", "format": "url"},
		"method": {"type": "string"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {"type": "string"},
		"secrets": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"revealJsonPaths": {"type": "array", "items": {"type": "string", "minLength": 1}}
	},
	"additionalProperties": false
}`

var compiledFormSchema *gojsonschema.Schema

// validateForm checks a submission against the form schema and folds all
// violations into a single VALIDATION error.
func validateForm(form FormData) error {
	result, err := compiledFormSchema.Validate(gojsonschema.NewGoLoader(form))
	if err != nil {
		return shared.NewError(shared.CodeValidation, "form validation failed", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	for _, e := range result.Errors() {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.String())
	}
	return shared.NewError(shared.CodeValidation, b.String(), nil)
}
