// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capability models the advertised units of functionality agents
// are discovered by, and the index answering exact and semantic lookups.
package capability

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Capability is a named, described unit of functionality an agent
// advertises. Description is the natural-language blob semantic search
// runs against. Schemas, when declared, are JSON Schema documents.
type Capability struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	InputSchema  map[string]any    `json:"inputSchema,omitempty"`
	OutputSchema map[string]any    `json:"outputSchema,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EmbeddingKey returns the shared-embedding key for the description. All
// agents advertising the same description text share one embedding.
func (c Capability) EmbeddingKey() string {
	sum := sha256.Sum256([]byte(c.Description))
	return hex.EncodeToString(sum[:])
}

// ValidateInput checks doc against the declared input schema. A nil schema
// accepts anything.
func (c Capability) ValidateInput(doc any) error {
	return validateAgainst(c.InputSchema, doc, "input")
}

// ValidateOutput checks doc against the declared output schema. A nil
// schema accepts anything.
func (c Capability) ValidateOutput(doc any) error {
	return validateAgainst(c.OutputSchema, doc, "output")
}

func validateAgainst(schema map[string]any, doc any, which string) error {
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("capability: %s schema validation: %w", which, err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return fmt.Errorf("capability: %s does not match schema: %s", which, strings.Join(details, "; "))
}
