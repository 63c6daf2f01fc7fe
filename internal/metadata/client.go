// Package metadata defines the boundary to the org metadata collaborator.
package metadata

import (
	"context"
	"strings"
)

// Metadata types counted by automation detection.
const (
	TypeFlow           = "Flow"
	TypeApexTrigger    = "ApexTrigger"
	TypeProcessBuilder = "WorkflowRule"
)

// SObjectSummary is one entry of a global describe.
type SObjectSummary struct {
	Name   string `json:"name" yaml:"name"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
	Custom bool   `json:"custom" yaml:"custom"`
}

// GlobalDescribe lists the objects of an org.
type GlobalDescribe struct {
	SObjects []SObjectSummary `json:"sobjects" yaml:"sobjects"`
}

// FieldDescribe describes one field. Reference fields carry ReferenceTo; master-detail
// fields have CascadeDelete set.
type FieldDescribe struct {
	Name          string   `json:"name" yaml:"name"`
	Label         string   `json:"label,omitempty" yaml:"label,omitempty"`
	Type          string   `json:"type" yaml:"type"`
	Custom        bool     `json:"custom" yaml:"custom"`
	ReferenceTo   []string `json:"referenceTo,omitempty" yaml:"referenceTo,omitempty"`
	CascadeDelete bool     `json:"cascadeDelete,omitempty" yaml:"cascadeDelete,omitempty"`
}

// IsCustom treats the __c suffix as authoritative even when the flag is missing.
func (f FieldDescribe) IsCustom() bool {
	return f.Custom || strings.HasSuffix(f.Name, "__c")
}

// IsReference reports whether the field is a lookup or master-detail.
func (f FieldDescribe) IsReference() bool {
	return strings.EqualFold(f.Type, "reference") && len(f.ReferenceTo) > 0
}

// ValidationRule is an object validation rule.
type ValidationRule struct {
	Name    string `json:"name" yaml:"name"`
	Formula string `json:"formula" yaml:"formula"`
	Active  bool   `json:"active" yaml:"active"`
}

// ObjectDescribe is the detailed describe of one object.
type ObjectDescribe struct {
	Name            string           `json:"name" yaml:"name"`
	Label           string           `json:"label,omitempty" yaml:"label,omitempty"`
	Custom          bool             `json:"custom" yaml:"custom"`
	Fields          []FieldDescribe  `json:"fields" yaml:"fields"`
	ValidationRules []ValidationRule `json:"validationRules,omitempty" yaml:"validationRules,omitempty"`
}

// HasField reports whether the object already defines name (case-insensitive).
func (o *ObjectDescribe) HasField(name string) bool {
	for _, f := range o.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Item is a metadata component returned by ListMetadata.
type Item struct {
	FullName string `json:"fullName" yaml:"fullName"`
	Type     string `json:"type" yaml:"type"`
}

// Client is the metadata collaborator. Implementations must be idempotent and free of
// side effects from the caller's perspective.
type Client interface {
	DescribeGlobal(ctx context.Context, orgID string) (*GlobalDescribe, error)
	DescribeObject(ctx context.Context, orgID, name string) (*ObjectDescribe, error)
	ListMetadata(ctx context.Context, orgID, metadataType string) ([]Item, error)
}
