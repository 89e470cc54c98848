package flagext

import (
	"strings"
)

// ConfigFiles is a list of YAML configuration files given by repeating a flag
// or by a comma separated list. Later files override values of earlier ones.
type ConfigFiles []string

// String implements flag.Value
// Format: file1.yaml,file2.yaml
func (cfgFiles *ConfigFiles) String() string {
	return strings.Join(*cfgFiles, ",")
}

// Set implements flag.Value. Empty entries are skipped.
func (cfgFiles *ConfigFiles) Set(value string) error {
	for _, file := range strings.Split(value, ",") {
		if file = strings.TrimSpace(file); file != "" {
			*cfgFiles = append(*cfgFiles, file)
		}
	}
	return nil
}

// IsCumulative lets kingpin accept the flag more than once.
func (cfgFiles *ConfigFiles) IsCumulative() bool { return true }
