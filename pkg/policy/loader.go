package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// loadFromPaths reads .rego policies from the given files or
// directories. Directories are walked non-recursively.
func loadFromPaths(paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("policy dir %s: %w", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
				continue
			}
			p, err := loadFile(filepath.Join(path, entry.Name()))
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
		}
	}
	return policies, nil
}

func loadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	p := Policy{
		Name:     name,
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		LoadedAt: time.Now(),
	}
	applyHeader(&p, string(data))
	return p, nil
}

// applyHeader reads "# severity: error" style directives from the
// leading comment block.
func applyHeader(p *Policy, source string) {
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return
		}
		directive := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, found := strings.Cut(directive, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			switch Severity(value) {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				p.Severity = Severity(value)
			}
		case "description":
			p.Description = value
		}
	}
}
