package planfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/plan"
)

// Format is a plan file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// DefaultFileNames are tried in order when a plan path is a directory.
var DefaultFileNames = []string{"chainctl.plan.yaml", "chainctl.plan.yml", "chainctl.plan.hcl"}

// FormatFor picks the syntax from the file extension; anything that is not
// .hcl is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return FormatHCL
	}
	return FormatYAML
}

// Loader reads plan files and builds validated plans.
type Loader struct {
	opts []plan.Option
}

// NewLoader creates a loader. Options are passed to plan.New for every plan
// it builds, typically an address validator from the target gateway.
func NewLoader(opts ...plan.Option) *Loader {
	return &Loader{opts: opts}
}

// Load reads path, or the default plan file inside path when it is a directory.
func (l *Loader) Load(path string) (*plan.Plan, error) {
	file, err := FindPlanFile(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeParse, fmt.Sprintf("failed to read %s", file), err)
	}

	return l.LoadFromBytes(data, file)
}

// LoadFromBytes parses data using the syntax implied by sourcePath. When the
// plan file has no name, the file name without extensions is used.
func (l *Loader) LoadFromBytes(data []byte, sourcePath string) (*plan.Plan, error) {
	doc, err := Parse(data, sourcePath)
	if err != nil {
		return nil, err
	}
	if doc.Name == "" {
		doc.Name = defaultName(sourcePath)
	}
	return doc.Build(l.opts...)
}

// Parse decodes a plan document without validating it.
func Parse(data []byte, sourcePath string) (*Document, error) {
	var (
		doc *Document
		err error
	)
	switch FormatFor(sourcePath) {
	case FormatHCL:
		doc, err = ParseHCL(data, sourcePath)
	default:
		doc, err = ParseYAML(data)
	}
	if err != nil {
		return nil, errors.ParseError(sourcePath, err)
	}
	return doc, nil
}

// FindPlanFile returns path itself when it is a file, or the first default
// plan file inside it when it is a directory.
func FindPlanFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeNotFound, fmt.Sprintf("plan not found at %s", path), err)
	}
	if !info.IsDir() {
		return path, nil
	}

	for _, name := range DefaultFileNames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.New(errors.ErrCodeNotFound,
		fmt.Sprintf("no plan file in %s (looked for %s)", path, strings.Join(DefaultFileNames, ", ")))
}

func defaultName(sourcePath string) string {
	name := filepath.Base(sourcePath)
	for ext := filepath.Ext(name); ext != ""; ext = filepath.Ext(name) {
		name = strings.TrimSuffix(name, ext)
	}
	if name == "" || name == "." {
		return "plan"
	}
	return name
}
