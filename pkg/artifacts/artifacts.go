// Package artifacts loads compiled contract artifacts in the Hardhat JSON
// layout (contractName, sourceName, abi, bytecode) and looks them up by
// component kind.
package artifacts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Artifact is a compiled component definition.
type Artifact struct {
	Name       string
	SourceName string
	ABI        abi.ABI
	Bytecode   []byte
	Path       string
}

// QualifiedName returns "<sourceName>:<name>", or the bare name when the
// source is unknown.
func (a *Artifact) QualifiedName() string {
	if a.SourceName == "" {
		return a.Name
	}
	return a.SourceName + ":" + a.Name
}

// Deployable reports whether the artifact carries creation bytecode.
func (a *Artifact) Deployable() bool {
	return len(a.Bytecode) > 0
}

type document struct {
	Format       string          `json:"_format"`
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// Parse decodes a single artifact document.
func Parse(data []byte) (*Artifact, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if doc.ContractName == "" {
		return nil, fmt.Errorf("artifact has no contractName")
	}
	if len(doc.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s has no abi", doc.ContractName)
	}

	parsed, err := abi.JSON(bytes.NewReader(doc.ABI))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: invalid abi: %w", doc.ContractName, err)
	}

	var code []byte
	if doc.Bytecode != "" && doc.Bytecode != "0x" {
		code, err = hexutil.Decode(doc.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: invalid bytecode: %w", doc.ContractName, err)
		}
	}

	return &Artifact{
		Name:       doc.ContractName,
		SourceName: doc.SourceName,
		ABI:        parsed,
		Bytecode:   code,
	}, nil
}

// Store indexes artifacts by contract name and qualified name.
type Store struct {
	mu     sync.RWMutex
	byName map[string][]*Artifact
	byQual map[string]*Artifact
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string][]*Artifact),
		byQual: make(map[string]*Artifact),
	}
}

// Load reads every artifact under dir. Debug files (*.dbg.json) and JSON
// files that are not artifacts (build-info, configs) are skipped.
func Load(dir string) (*Store, error) {
	s := NewStore()

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("artifacts directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts path %s is not a directory", dir)
	}

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "build-info" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(p, ".json") || strings.HasSuffix(p, ".dbg.json") {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		if !looksLikeArtifact(data) {
			return nil
		}

		a, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		a.Path = p
		s.Add(a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

func looksLikeArtifact(data []byte) bool {
	var probe struct {
		ContractName string          `json:"contractName"`
		ABI          json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.ContractName != "" && len(probe.ABI) > 0
}

// Add indexes an artifact.
func (s *Store) Add(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byQual[a.QualifiedName()]; ok {
		list := s.byName[a.Name]
		for i, e := range list {
			if e == existing {
				list[i] = a
			}
		}
	} else {
		s.byName[a.Name] = append(s.byName[a.Name], a)
	}
	s.byQual[a.QualifiedName()] = a
}

// Get returns the artifact for a component kind, which is either a contract
// name or a qualified "<sourceName>:<name>".
func (s *Store) Get(kind string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.byQual[kind]; ok {
		return a, nil
	}

	list := s.byName[kind]
	switch len(list) {
	case 0:
		return nil, fmt.Errorf("no artifact for component %q", kind)
	case 1:
		return list[0], nil
	default:
		names := make([]string, len(list))
		for i, a := range list {
			names[i] = a.QualifiedName()
		}
		sort.Strings(names)
		return nil, fmt.Errorf("component %q is ambiguous, use one of: %s", kind, strings.Join(names, ", "))
	}
}

// Has reports whether a component kind resolves to exactly one artifact.
func (s *Store) Has(kind string) bool {
	_, err := s.Get(kind)
	return err == nil
}

// Names returns the contract names in the store, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byQual)
}
