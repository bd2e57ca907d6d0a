// Package envfile loads dotenv files from a project directory.
//
// Files are read in order, later files overriding earlier ones:
//
//	.env
//	.env.local
//	.env.<network>
//	.env.<network>.local
//
// Missing files are ignored.
package envfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Files returns the candidate file names for network in load order.
func Files(network string) []string {
	files := []string{".env", ".env.local"}
	if network != "" {
		files = append(files, ".env."+network, ".env."+network+".local")
	}
	return files
}

// Load reads the dotenv chain for network from dir.
func Load(dir, network string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, name := range Files(network) {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := parseEnvFile(data, vars); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return vars, nil
}

func parseEnvFile(content []byte, vars map[string]string) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("line %d: expected KEY=value", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("line %d: empty key", lineNo)
		}
		vars[key] = unquote(strings.TrimSpace(value))
	}
	return scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
