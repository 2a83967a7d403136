package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-rules/pkg/domain"
)

// documentFile is the on-disk shape of JSON and YAML decision documents.
type documentFile struct {
	Name       string            `json:"name" yaml:"name"`
	Entrypoint string            `json:"entrypoint" yaml:"entrypoint"`
	Modules    map[string]string `json:"modules" yaml:"modules"`
	Data       map[string]any    `json:"data" yaml:"data"`
}

// FormatForRef picks the document format from the reference's extension.
func FormatForRef(ref string) (domain.DocumentFormat, bool) {
	switch strings.ToLower(path.Ext(ref)) {
	case ".json":
		return domain.FormatJSON, true
	case ".yaml", ".yml":
		return domain.FormatYAML, true
	case ".rego":
		return domain.FormatRego, true
	default:
		return "", false
	}
}

// DecodeDocument parses raw file content into a decision document. Every module is
// parsed as Rego v1 so syntax errors surface at load time rather than on first use.
func DecodeDocument(ref string, data []byte) (*domain.DecisionDocument, error) {
	format, ok := FormatForRef(ref)
	if !ok {
		return nil, fmt.Errorf("unsupported document extension %q", path.Ext(ref))
	}

	var raw documentFile
	switch format {
	case domain.FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode json document: %w", err)
		}
		var extra json.RawMessage
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode json document: unexpected data after document at offset %d", dec.InputOffset())
		}
	case domain.FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml document: %w", err)
		}
		normalized, err := jsonData(raw.Data)
		if err != nil {
			return nil, fmt.Errorf("decode yaml document: data: %w", err)
		}
		raw.Data = normalized
	case domain.FormatRego:
		raw.Modules = map[string]string{path.Base(ref): string(data)}
	}

	if len(raw.Modules) == 0 {
		return nil, errors.New("decision document requires at least one rego module")
	}

	names := make([]string, 0, len(raw.Modules))
	for name := range raw.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstPackage string
	for i, name := range names {
		module, err := ast.ParseModuleWithOpts(name, raw.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		if module == nil {
			return nil, fmt.Errorf("parse rego module %q: empty module", name)
		}
		if i == 0 {
			firstPackage, err = packagePath(module)
			if err != nil {
				return nil, fmt.Errorf("rego module %q: %w", name, err)
			}
		}
	}

	entrypoint := strings.Trim(strings.TrimSpace(raw.Entrypoint), "/")
	if entrypoint == "" {
		entrypoint = firstPackage
	}

	sum := sha256.Sum256(data)

	return &domain.DecisionDocument{
		Ref:        ref,
		Format:     format,
		Name:       raw.Name,
		Entrypoint: entrypoint,
		Modules:    raw.Modules,
		Data:       raw.Data,
		Digest:     "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// jsonData converts YAML-decoded data into the JSON value model the evaluator
// stores. Mappings with non-string keys have no JSON form and are rejected.
func jsonData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return data, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// packagePath renders a module's package as a slash path, e.g. "rules/pricing".
func packagePath(module *ast.Module) (string, error) {
	if module.Package == nil || len(module.Package.Path) < 2 {
		return "", errors.New("module has no package")
	}
	parts := make([]string, 0, len(module.Package.Path)-1)
	for _, term := range module.Package.Path[1:] {
		s, ok := term.Value.(ast.String)
		if !ok {
			return "", fmt.Errorf("unsupported package path term %v", term)
		}
		parts = append(parts, string(s))
	}
	return strings.Join(parts, "/"), nil
}
