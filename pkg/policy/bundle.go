// Package policy loads approval policy bundles, verifies their integrity,
// freshness and version, and evaluates their CEL approval rules.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/organism/pkg/canonicalize"
	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

var (
	ErrInvalidBundle = errors.New("policy: invalid bundle")
)

// Rule maps a CEL condition over the decision input to an approval
// requirement.
type Rule struct {
	ID      string                        `json:"id" yaml:"id"`
	When    string                        `json:"when" yaml:"when"`
	Require contracts.ApprovalRequirement `json:"require" yaml:"require"`
}

// Bundle is a versioned policy document.
type Bundle struct {
	BundleID      string    `json:"bundle_id" yaml:"bundle_id"`
	Version       string    `json:"version" yaml:"version"`
	IssuedAt      time.Time `json:"issued_at" yaml:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at" yaml:"expires_at"`
	ContentHash   string    `json:"content_hash" yaml:"content_hash"`
	ApprovalRules []Rule    `json:"approval_rules" yaml:"approval_rules"`

	version *semver.Version
}

// SemVer returns the parsed version.
func (b *Bundle) SemVer() *semver.Version { return b.version }

// ComputeContentHash hashes every field except content_hash.
func (b *Bundle) ComputeContentHash() (string, error) {
	rules := b.ApprovalRules
	if rules == nil {
		rules = []Rule{}
	}
	return canonicalize.CanonicalHash(map[string]any{
		"bundle_id":      b.BundleID,
		"version":        b.Version,
		"issued_at":      b.IssuedAt,
		"expires_at":     b.ExpiresAt,
		"approval_rules": rules,
	})
}

// Seal sets ContentHash from the current content.
func (b *Bundle) Seal() error {
	h, err := b.ComputeContentHash()
	if err != nil {
		return err
	}
	b.ContentHash = h
	return nil
}

const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["bundle_id", "version", "issued_at", "expires_at", "content_hash", "approval_rules"],
  "additionalProperties": false,
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "issued_at": {"type": "string"},
    "expires_at": {"type": "string"},
    "content_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "approval_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "when", "require"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "when": {"type": "string", "minLength": 1},
          "require": {"enum": ["none", "quorum", "human"]}
        }
      }
    }
  }
}`

const schemaURL = "https://organism.schemas.local/policy/bundle.schema.json"

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(bundleSchema)); err != nil {
		panic(fmt.Sprintf("policy: load bundle schema: %v", err))
	}
	return c.MustCompile(schemaURL)
}

// LoadFile reads and parses a bundle from disk.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML (or JSON) bundle, validates it against the bundle
// schema and parses the version. It does not check hash or expiry; that is
// the Verifier's job.
func Parse(data []byte) (*Bundle, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidBundle, err)
	}
	// Round-trip through JSON so the schema sees plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrInvalidBundle, err)
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	v, err := semver.NewVersion(b.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrInvalidBundle, b.Version, err)
	}
	b.version = v
	b.IssuedAt = b.IssuedAt.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	return &b, nil
}

// Marshal renders the bundle as YAML.
func (b *Bundle) Marshal() ([]byte, error) {
	doc := map[string]any{
		"bundle_id":      b.BundleID,
		"version":        b.Version,
		"issued_at":      b.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":     b.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"content_hash":   b.ContentHash,
		"approval_rules": b.ApprovalRules,
	}
	return yaml.Marshal(doc)
}
