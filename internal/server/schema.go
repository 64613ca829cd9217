package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const linkPreviewSchemaURL = "link_preview.json"

const linkPreviewSchema = `{
  "type": "object",
  "properties": {
    "url":         {"type": ["string", "null"], "maxLength": 2048},
    "title":       {"type": ["string", "null"], "maxLength": 1024},
    "description": {"type": ["string", "null"], "maxLength": 4096},
    "image":       {"type": ["string", "null"], "maxLength": 2048},
    "site_name":   {"type": ["string", "null"], "maxLength": 256}
  }
}`

// previewValidator checks client-supplied link preview JSON before it is
// stored alongside a post.
type previewValidator struct {
	schema *jsonschema.Schema
}

func newPreviewValidator() (*previewValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(linkPreviewSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(linkPreviewSchemaURL, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(linkPreviewSchemaURL)
	if err != nil {
		return nil, err
	}
	return &previewValidator{schema: sch}, nil
}

func (v *previewValidator) decode(raw []byte) (*model.LinkPreview, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: link_preview is not valid json", model.ErrValidation)
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: link_preview: %v", model.ErrValidation, err)
	}

	// Nulls decode to empty strings.
	var wire struct {
		URL         *string `json:"url"`
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Image       *string `json:"image"`
		SiteName    *string `json:"site_name"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: link_preview: %v", model.ErrValidation, err)
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return &model.LinkPreview{
		URL:         deref(wire.URL),
		Title:       deref(wire.Title),
		Description: deref(wire.Description),
		Image:       deref(wire.Image),
		SiteName:    deref(wire.SiteName),
	}, nil
}
