package processes

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/jobs"
	"sigs.k8s.io/yaml"
)

//go:embed descriptors/*.yaml
var descriptorFS embed.FS

// Descriptor describes a process a job can run. Descriptors are YAML
// documents; Inputs is the JSON Schema job inputs must satisfy.
type Descriptor struct {
	ID               string                `json:"id"`
	Title            string                `json:"title"`
	Description      string                `json:"description"`
	Version          string                `json:"version"`
	CollectionType   models.CollectionType `json:"collectionType"`
	Extension        string                `json:"extension"`
	DefaultMediaType string                `json:"defaultMediaType"`
	Inputs           json.RawMessage       `json:"inputs"`

	schema *jsonschema.Schema
}

type Catalog struct {
	descriptors map[string]*Descriptor
}

var _ jobs.InputValidator = (*Catalog)(nil)

// DefaultCatalog loads the descriptors built into the binary.
func DefaultCatalog() (*Catalog, error) {
	sub, err := fs.Sub(descriptorFS, "descriptors")
	if err != nil {
		return nil, err
	}
	return LoadCatalog(sub)
}

// LoadCatalog reads every *.yaml file at the root of fsys.
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}
	c := &Catalog{descriptors: make(map[string]*Descriptor)}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		d, err := ParseDescriptor(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := c.descriptors[d.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate process id %q", name, d.ID)
		}
		c.descriptors[d.ID] = d
	}
	return c, nil
}

// ParseDescriptor converts a YAML descriptor and compiles its input schema.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML to JSON: %w", err)
	}
	d := &Descriptor{}
	if err := json.Unmarshal(jsonData, d); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("descriptor has no id")
	}
	if !d.CollectionType.Valid() || d.CollectionType == models.CollectionTypeVector {
		return nil, fmt.Errorf("process %s: unsupported collection type %q", d.ID, d.CollectionType)
	}
	if len(d.Inputs) == 0 {
		return nil, fmt.Errorf("process %s: no input schema", d.ID)
	}
	d.Extension = strings.TrimPrefix(d.Extension, ".")
	if d.schema, err = compileSchema(d.ID, d.Inputs); err != nil {
		return nil, err
	}
	return d, nil
}

func compileSchema(id string, schema []byte) (*jsonschema.Schema, error) {
	url := "inline://processes/" + path.Clean(id) + "/inputs.json"
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiler.LoadURL = func(u string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("unsupported schema ref: %s", u)
	}
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("process %s: failed to add schema resource: %w", id, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("process %s: failed to compile schema: %w", id, err)
	}
	return compiled, nil
}

func (c *Catalog) Get(id string) (*Descriptor, bool) {
	d, ok := c.descriptors[id]
	return d, ok
}

// List returns the descriptors ordered by id.
func (c *Catalog) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateInputs checks inputs against the process's input schema.
func (c *Catalog) ValidateInputs(processID string, inputs json.RawMessage) apperrors.Error {
	d, ok := c.descriptors[processID]
	if !ok {
		return jobs.ErrUnknownProcess.Msg("unknown process " + processID)
	}
	return d.ValidateInputs(inputs)
}

func (d *Descriptor) ValidateInputs(inputs json.RawMessage) apperrors.Error {
	dec := json.NewDecoder(bytes.NewReader(inputs))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return jobs.ErrInvalidInputs.MsgErr("inputs are not valid JSON", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return jobs.ErrInvalidInputs.MsgErr("inputs do not match the "+d.ID+" schema", err)
	}
	return nil
}
