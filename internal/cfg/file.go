package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacy keys from the settings file of the previous deployment
var legacyKeys = map[string]string{
	"databaseURL":    "database-url",
	"databaseName":   "database-name",
	"websiteDNSName": "hostname",
	"useHTTPS":       "use-https",
	"devMode":        "dev-mode",
}

// FillFromFile reads a YAML (or JSON) settings file keyed by flag name and
// sets every flag that was neither passed on the CLI nor in skip.
// Unknown keys are an error so typos do not silently fall back to defaults.
func FillFromFile(fs *flag.FlagSet, path string, skip map[string]bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	explicit := explicitFlags(fs)
	for key, val := range doc {
		name := key
		if alias, ok := legacyKeys[key]; ok {
			name = alias
		}
		if fs.Lookup(name) == nil {
			return fmt.Errorf("settings file %s: unknown key %q", path, key)
		}
		if explicit[name] || skip[name] {
			continue
		}
		if err := fs.Set(name, settingString(val)); err != nil {
			return fmt.Errorf("settings file %s: key %q: %w", path, key, err)
		}
	}
	return nil
}

func settingString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}
