package planfile

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidthor/chainctl/pkg/engine/expression"
)

type yamlDocument struct {
	Version string     `yaml:"version"`
	Name    string     `yaml:"name"`
	Steps   []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	ID        string        `yaml:"id"`
	Create    string        `yaml:"create"`
	Configure string        `yaml:"configure"`
	Attach    string        `yaml:"attach"`
	Address   string        `yaml:"address"`
	Method    string        `yaml:"method"`
	Args      []yaml.Node `yaml:"args"`
}

// ParseYAML decodes a YAML plan document. References are written as
// ${{ steps.<id>.address }}; a configure target may also be a bare step id.
func ParseYAML(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var raw yamlDocument
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}

	doc := &Document{Version: raw.Version, Name: raw.Name}
	for i, rs := range raw.Steps {
		spec := StepSpec{
			ID:      rs.ID,
			Create:  rs.Create,
			Attach:  rs.Attach,
			Address: rs.Address,
			Method:  rs.Method,
		}

		if rs.Configure != "" {
			target, err := expression.Parse(rs.Configure)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] (%s): configure: %w", i, rs.ID, err)
			}
			spec.Configure = &target
		}

		for j := range rs.Args {
			arg, err := yamlArg(&rs.Args[j])
			if err != nil {
				return nil, fmt.Errorf("steps[%d] (%s): args[%d]: %w", i, rs.ID, j, err)
			}
			v, err := expression.ParseAny(arg)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] (%s): args[%d]: %w", i, rs.ID, j, err)
			}
			spec.Args = append(spec.Args, v)
		}

		doc.Steps = append(doc.Steps, spec)
	}
	return doc, nil
}

var integerLiteral = regexp.MustCompile(`^[-+]?[0-9]+$`)

// yamlArg decodes one argument node. Integers that do not fit in 64 bits
// become *big.Int; yaml.v3 would otherwise resolve them to a rounded float64.
func yamlArg(node *yaml.Node) (interface{}, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return yamlArg(node.Alias)
	case yaml.SequenceNode:
		items := make([]interface{}, 0, len(node.Content))
		for i, item := range node.Content {
			v, err := yamlArg(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.ScalarNode:
		if n, ok := bigInteger(node); ok {
			return n, nil
		}
	}

	var v interface{}
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func bigInteger(node *yaml.Node) (*big.Int, bool) {
	tag := node.ShortTag()
	if tag != "!!int" && tag != "!!float" {
		return nil, false
	}
	plain := strings.ReplaceAll(node.Value, "_", "")
	base := 0
	if tag == "!!float" {
		if !integerLiteral.MatchString(plain) {
			return nil, false
		}
		base = 10
	}
	n, ok := new(big.Int).SetString(plain, base)
	if !ok || n.IsInt64() || n.IsUint64() {
		return nil, false
	}
	return n, true
}

// Seeds decodes a YAML map of step id to address, used for operator seeds.
func Seeds(data []byte) (map[string]string, error) {
	seeds := map[string]string{}
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}
