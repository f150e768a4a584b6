package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relayce/outdial/internal/dialog"
)

// LoadDialogPolicy reads the dialog policy YAML at path. An empty path
// returns a zero policy; the engine falls back to its built-in limits.
func LoadDialogPolicy(path string) (dialog.PolicyConfig, error) {
	if path == "" {
		return dialog.PolicyConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dialog.PolicyConfig{}, fmt.Errorf("op=config.LoadDialogPolicy: %w", err)
	}
	var policy dialog.PolicyConfig
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return dialog.PolicyConfig{}, fmt.Errorf("op=config.LoadDialogPolicy parse %s: %w", path, err)
	}
	return policy, nil
}
