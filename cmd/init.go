package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/williamDalston/writerai/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file to ./" + config.DefaultPath,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	if _, err := os.Stat(config.DefaultPath); err == nil {
		return fmt.Errorf("%s already exists; edit it or remove it first", config.DefaultPath)
	}

	// Build config YAML
	configData := map[string]any{
		"run_dir": ".writerai",
		"budget": map[string]any{
			"ceiling_usd": 10.0,
		},
		"backends": map[string]any{
			"anthropic": map[string]any{
				"provider":    "anthropic",
				"model":       "claude-sonnet-4-20250514",
				"api_key_env": "ANTHROPIC_API_KEY",
			},
		},
		"models": map[string]any{
			"default": "anthropic",
		},
		"stages": []map[string]any{
			{
				"name":              "premise",
				"model":             "default",
				"max_output_tokens": 1024,
				"instruction":       "Expand the premise into a one-page story seed.",
			},
			{
				"name":              "outline",
				"model":             "default",
				"max_output_tokens": 2048,
				"instruction":       "Write a chapter outline for the story.",
			},
			{
				"name":              "draft",
				"model":             "default",
				"max_output_tokens": 4096,
				"instruction":       "Draft the next scene in full prose.",
			},
		},
	}

	data, err := yaml.Marshal(configData)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.DefaultPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Config saved to %s\n", config.DefaultPath)
	fmt.Println("Set ANTHROPIC_API_KEY (or edit backends), write an outline, then run:")
	fmt.Println("  writerai run -o outline.yaml")
	return nil
}
