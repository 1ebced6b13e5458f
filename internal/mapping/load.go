package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidInput = errors.New("invalid signal input")

type LoadOptions struct {
	IncludePrefixes []string
	MaxSignals      int
}

func (o LoadOptions) apply(signals []Signal) []Signal {
	if len(o.IncludePrefixes) > 0 {
		filtered := signals[:0]
		for _, sig := range signals {
			for _, prefix := range o.IncludePrefixes {
				if strings.HasPrefix(sig.Path, prefix) {
					filtered = append(filtered, sig)
					break
				}
			}
		}
		signals = filtered
	}
	if o.MaxSignals > 0 && len(signals) > o.MaxSignals {
		signals = signals[:o.MaxSignals]
	}
	return signals
}

type vssNode struct {
	Datatype    *string            `json:"datatype"`
	Type        string             `json:"type"`
	Unit        string             `json:"unit"`
	Description string             `json:"description"`
	Children    map[string]vssNode `json:"children"`
}

// LoadVSSJSON reads a VSS JSON export rooted at "Vehicle". Any node with a
// datatype is a signal; children are still visited because some trees mix
// both. Siblings are visited in name order.
func LoadVSSJSON(r io.Reader, opts LoadOptions) ([]Signal, error) {
	var tree map[string]vssNode
	if err := json.NewDecoder(r).Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode vss json: %w", err)
	}
	root, ok := tree["Vehicle"]
	if !ok {
		return nil, fmt.Errorf("%w: missing top-level Vehicle object", ErrInvalidInput)
	}
	var signals []Signal
	walkVSS(root, "Vehicle", &signals)
	return opts.apply(signals), nil
}

func walkVSS(node vssNode, prefix string, out *[]Signal) {
	names := make([]string, 0, len(node.Children))
	for name := range node.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := node.Children[name]
		path := prefix + "." + name
		if child.Datatype != nil {
			*out = append(*out, Signal{
				Path:        path,
				Datatype:    *child.Datatype,
				Type:        child.Type,
				Unit:        child.Unit,
				Description: child.Description,
			})
		}
		if len(child.Children) > 0 {
			walkVSS(child, path, out)
		}
	}
}

type signalFile struct {
	Signals []Signal `yaml:"signals"`
}

// LoadSignalsYAML reads a flat signal list in file order.
func LoadSignalsYAML(r io.Reader, opts LoadOptions) ([]Signal, error) {
	var file signalFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
		}
		return nil, fmt.Errorf("decode signals yaml: %w", err)
	}
	return opts.apply(file.Signals), nil
}

// LoadFile picks the reader by extension: .json is a VSS tree, .yaml and
// .yml are signal lists.
func LoadFile(path string, opts LoadOptions) ([]Signal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadVSSJSON(f, opts)
	case ".yaml", ".yml":
		return LoadSignalsYAML(f, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported file extension %q", ErrInvalidInput, filepath.Ext(path))
	}
}
