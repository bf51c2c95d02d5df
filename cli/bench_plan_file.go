package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jgoldverg/gbench/pkg/bench"
	"gopkg.in/yaml.v3"
)

type planDocument struct {
	Version     int         `json:"version" yaml:"version"`
	MaxParallel *int        `json:"max_parallel" yaml:"max_parallel"`
	Rounds      []planRound `json:"rounds" yaml:"rounds"`
}

type planRound struct {
	Name string   `json:"name" yaml:"name"`
	Size sizeSpec `json:"size" yaml:"size"`
	TCP  int      `json:"tcp" yaml:"tcp"`
	UDP  int      `json:"udp" yaml:"udp"`
}

// sizeSpec accepts either a plain byte count or a string such as "4MiB".
type sizeSpec uint64

func (s *sizeSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := parseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = sizeSpec(n)
	return nil
}

func (s *sizeSpec) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	n, err := parseSize(raw)
	if err != nil {
		return err
	}
	*s = sizeSpec(n)
	return nil
}

func loadBenchPlanDocument(path string) (*planDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	format := strings.ToLower(filepath.Ext(path))
	if format != ".yaml" && format != ".yml" && format != ".json" {
		format = ".yaml"
	}
	doc, err := decodePlanDocument(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported plan version %d", doc.Version)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodePlanDocument(data []byte, format string) (*planDocument, error) {
	var doc planDocument
	switch format {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	return &doc, nil
}

func (doc *planDocument) validate() error {
	if len(doc.Rounds) == 0 {
		return fmt.Errorf("plan has no rounds")
	}
	for i, r := range doc.Rounds {
		if r.TCP < 0 || r.UDP < 0 {
			return fmt.Errorf("rounds[%d] has a negative connection count", i)
		}
	}
	if doc.MaxParallel != nil && *doc.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	return nil
}

func (doc *planDocument) plans() []namedPlan {
	out := make([]namedPlan, 0, len(doc.Rounds))
	for i, r := range doc.Rounds {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("round %d", i+1)
		}
		out = append(out, namedPlan{
			Name: name,
			Plan: bench.Plan{SizeBytes: uint64(r.Size), TCPCount: r.TCP, UDPCount: r.UDP},
		})
	}
	return out
}
