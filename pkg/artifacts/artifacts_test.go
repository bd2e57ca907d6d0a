package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryArtifact = `{
  "_format": "hh-sol-artifact-1",
  "contractName": "BadgeRegistry",
  "sourceName": "contracts/BadgeRegistry.sol",
  "abi": [
    {"inputs": [], "stateMutability": "nonpayable", "type": "constructor"},
    {"inputs": [{"internalType": "address", "name": "factory", "type": "address"}], "name": "setEntityFactory", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
  ],
  "bytecode": "0x6080604052"
}`

const interfaceArtifact = `{
  "contractName": "IBadgeRegistry",
  "sourceName": "contracts/interfaces/IBadgeRegistry.sol",
  "abi": [],
  "bytecode": "0x"
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParse(t *testing.T) {
	a, err := Parse([]byte(registryArtifact))
	require.NoError(t, err)

	assert.Equal(t, "BadgeRegistry", a.Name)
	assert.Equal(t, "contracts/BadgeRegistry.sol:BadgeRegistry", a.QualifiedName())
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, a.Bytecode)
	assert.True(t, a.Deployable())
	_, ok := a.ABI.Methods["setEntityFactory"]
	assert.True(t, ok)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"abi": []}`))
	assert.ErrorContains(t, err, "no contractName")

	_, err = Parse([]byte(`{"contractName": "X", "abi": [], "bytecode": "0xzz"}`))
	assert.ErrorContains(t, err, "invalid bytecode")
}

func TestParse_InterfaceHasNoBytecode(t *testing.T) {
	a, err := Parse([]byte(interfaceArtifact))
	require.NoError(t, err)
	assert.False(t, a.Deployable())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "contracts/BadgeRegistry.sol/BadgeRegistry.json"), registryArtifact)
	writeFile(t, filepath.Join(dir, "contracts/BadgeRegistry.sol/BadgeRegistry.dbg.json"), `{"buildInfo": "x"}`)
	writeFile(t, filepath.Join(dir, "contracts/interfaces/IBadgeRegistry.sol/IBadgeRegistry.json"), interfaceArtifact)
	writeFile(t, filepath.Join(dir, "build-info/abc.json"), `{"id": "abc"}`)
	writeFile(t, filepath.Join(dir, "notes.json"), `{"hello": "world"}`)

	s, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []string{"BadgeRegistry", "IBadgeRegistry"}, s.Names())

	a, err := s.Get("BadgeRegistry")
	require.NoError(t, err)
	assert.Contains(t, a.Path, "BadgeRegistry.json")

	a, err = s.Get("contracts/BadgeRegistry.sol:BadgeRegistry")
	require.NoError(t, err)
	assert.Equal(t, "BadgeRegistry", a.Name)

	assert.True(t, s.Has("BadgeRegistry"))
	assert.False(t, s.Has("BadgeXP"))
}

func TestLoad_InvalidArtifactFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "X.json"), `{"contractName": "X", "abi": {"type": "function"}, "bytecode": "0x00"}`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_MissingDirectory(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestStore_AmbiguousName(t *testing.T) {
	s := NewStore()
	s.Add(&Artifact{Name: "Token", SourceName: "contracts/a/Token.sol"})
	s.Add(&Artifact{Name: "Token", SourceName: "contracts/b/Token.sol"})

	_, err := s.Get("Token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	a, err := s.Get("contracts/b/Token.sol:Token")
	require.NoError(t, err)
	assert.Equal(t, "contracts/b/Token.sol", a.SourceName)
}

func TestStore_AddReplacesSameQualifiedName(t *testing.T) {
	s := NewStore()
	s.Add(&Artifact{Name: "Token", SourceName: "contracts/Token.sol", Bytecode: []byte{1}})
	s.Add(&Artifact{Name: "Token", SourceName: "contracts/Token.sol", Bytecode: []byte{2}})

	assert.Equal(t, 1, s.Len())
	a, err := s.Get("Token")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, a.Bytecode)
}
