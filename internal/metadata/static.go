package metadata

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// OrgSnapshot is a captured metadata snapshot of one org.
type OrgSnapshot struct {
	Objects  []ObjectDescribe  `yaml:"objects"`
	Metadata map[string][]Item `yaml:"metadata,omitempty"`
}

// Snapshot maps org ids to their captured metadata.
type Snapshot struct {
	Orgs map[string]OrgSnapshot `yaml:"orgs"`
}

// StaticClient serves describe calls from an in-memory snapshot. It backs the CLI and
// local development when no live org connection is configured.
type StaticClient struct {
	mu   sync.RWMutex
	orgs map[string]OrgSnapshot
}

// NewStaticClient creates a client over the given snapshot.
func NewStaticClient(snapshot Snapshot) *StaticClient {
	orgs := make(map[string]OrgSnapshot, len(snapshot.Orgs))
	for id, org := range snapshot.Orgs {
		orgs[id] = org
	}
	return &StaticClient{orgs: orgs}
}

// LoadSnapshot reads a YAML snapshot file.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read metadata snapshot: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes a YAML snapshot.
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse metadata snapshot: %w", err)
	}
	if snap.Orgs == nil {
		snap.Orgs = make(map[string]OrgSnapshot)
	}
	return snap, nil
}

// PutOrg replaces the snapshot of one org.
func (c *StaticClient) PutOrg(orgID string, org OrgSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgs[orgID] = org
}

func (c *StaticClient) org(orgID string) (OrgSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	org, ok := c.orgs[orgID]
	if !ok {
		return OrgSnapshot{}, fmt.Errorf("unknown org %q", orgID)
	}
	return org, nil
}

func (c *StaticClient) DescribeGlobal(ctx context.Context, orgID string) (*GlobalDescribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	org, err := c.org(orgID)
	if err != nil {
		return nil, err
	}
	out := &GlobalDescribe{SObjects: make([]SObjectSummary, 0, len(org.Objects))}
	for _, obj := range org.Objects {
		out.SObjects = append(out.SObjects, SObjectSummary{
			Name:   obj.Name,
			Label:  obj.Label,
			Custom: obj.Custom || strings.HasSuffix(obj.Name, "__c"),
		})
	}
	return out, nil
}

func (c *StaticClient) DescribeObject(ctx context.Context, orgID, name string) (*ObjectDescribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	org, err := c.org(orgID)
	if err != nil {
		return nil, err
	}
	for _, obj := range org.Objects {
		if strings.EqualFold(obj.Name, name) {
			cp := obj
			cp.Fields = append([]FieldDescribe(nil), obj.Fields...)
			cp.ValidationRules = append([]ValidationRule(nil), obj.ValidationRules...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("object %q not found in org %q", name, orgID)
}

func (c *StaticClient) ListMetadata(ctx context.Context, orgID, metadataType string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	org, err := c.org(orgID)
	if err != nil {
		return nil, err
	}
	return append([]Item(nil), org.Metadata[metadataType]...), nil
}

var _ Client = (*StaticClient)(nil)
