// Package catalog serves predefined automation sequences by type name.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"unicode"

	"github.com/v0xg/demopilot/internal/action"
	"gopkg.in/yaml.v3"
)

//go:embed sequences.yaml
var builtinYAML []byte

// Catalog maps sequence types to sequence documents
type Catalog struct {
	docs map[string]action.Document
}

// Builtin returns the catalog shipped with the binary
func Builtin() *Catalog {
	c, err := Load(bytes.NewReader(builtinYAML))
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded sequences are invalid: %v", err))
	}
	return c
}

// Load reads a catalog: a YAML mapping of sequence type to sequence
func Load(r io.Reader) (*Catalog, error) {
	var docs map[string]action.Document
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for typ, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("sequence %q has no sequenceId", typ)
		}
		if _, err := doc.ToSequence(); err != nil {
			return nil, fmt.Errorf("sequence %q: %w", typ, err)
		}
	}
	if docs == nil {
		docs = map[string]action.Document{}
	}
	return &Catalog{docs: docs}, nil
}

// LoadFile reads a catalog file
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Merge returns a catalog where entries of other replace those of c
func (c *Catalog) Merge(other *Catalog) *Catalog {
	docs := make(map[string]action.Document, len(c.docs)+len(other.docs))
	for k, v := range c.docs {
		docs[k] = v
	}
	for k, v := range other.docs {
		docs[k] = v
	}
	return &Catalog{docs: docs}
}

// Types lists the known sequence types in name order
func (c *Catalog) Types() []string {
	types := make([]string, 0, len(c.docs))
	for t := range c.docs {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Get returns the sequence for sequenceType. Unknown types produce an empty
// custom sequence named after the type.
func (c *Catalog) Get(sequenceType string) (action.Sequence, error) {
	sequenceType = strings.TrimSpace(sequenceType)
	if sequenceType == "" {
		sequenceType = "form_creation"
	}
	doc, ok := c.docs[sequenceType]
	if !ok {
		return Custom(sequenceType), nil
	}
	return doc.ToSequence()
}

// Custom is the placeholder for a sequence type nobody has authored yet
func Custom(sequenceType string) action.Sequence {
	return action.Sequence{
		ID:      fmt.Sprintf("custom-%s-v1", sequenceType),
		Name:    "Custom " + titleCase(strings.ReplaceAll(sequenceType, "_", " ")),
		Actions: action.List{},
	}
}

// ReadSequenceFile reads one sequence document from a YAML or JSON file
func ReadSequenceFile(path string) (action.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return action.Sequence{}, err
	}
	var doc action.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return action.Sequence{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.ID == "" {
		return action.Sequence{}, fmt.Errorf("%s: sequenceId is required", path)
	}
	seq, err := doc.ToSequence()
	if err != nil {
		return action.Sequence{}, fmt.Errorf("%s: %w", path, err)
	}
	return seq, nil
}

// titleCase upper-cases the first letter of every word and lower-cases the
// rest.
func titleCase(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r):
			start = true
			b.WriteRune(r)
		case start:
			b.WriteRune(unicode.ToUpper(r))
			start = false
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
