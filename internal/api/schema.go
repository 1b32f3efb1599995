package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://genrelay.local/schemas/"

// maxBodyBytes caps request bodies read for validation.
const maxBodyBytes = 4 << 20

// Schemas holds the compiled request schemas.
type Schemas struct {
	Job        *jsonschema.Schema
	Batch      *jsonschema.Schema
	Credential *jsonschema.Schema
}

// CompileSchemas compiles the embedded request schemas.
func CompileSchemas() (*Schemas, error) {
	compiler := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaBase+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
	}

	compile := func(name string) (*jsonschema.Schema, error) {
		s, err := compiler.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return s, nil
	}
	var out Schemas
	if out.Job, err = compile("job.json"); err != nil {
		return nil, err
	}
	if out.Batch, err = compile("batch.json"); err != nil {
		return nil, err
	}
	if out.Credential, err = compile("credential.json"); err != nil {
		return nil, err
	}
	return &out, nil
}

// bindValidated reads the body, validates it against schema and decodes it
// into dst. On failure the error response is already written.
func bindValidated(c *gin.Context, schema *jsonschema.Schema, dst any) bool {
	if !requireJSON(c) {
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body", false, nil)
		return false
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_JSON", "Request body is not valid JSON", false, nil)
		return false
	}
	if err := schema.Validate(payload); err != nil {
		details := map[string]any{}
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			details["violations"] = violations(ve)
		}
		writeError(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request body does not match schema", false, details)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_BODY", err.Error(), false, nil)
		return false
	}
	return true
}

// violations flattens a validation error tree into "location: message" lines.
func violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}
