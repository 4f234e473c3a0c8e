package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MegaGrindStone/deep-research-ui/internal/research"
	"github.com/MegaGrindStone/deep-research-ui/internal/services"
	"gopkg.in/yaml.v3"
)

// modelConfig is one role's endpoint configuration.
type modelConfig struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	MaxTokens int    `yaml:"maxTokens"`
}

type searchConfig struct {
	TavilyAPIKey string `yaml:"tavilyAPIKey"`
}

type researchSettings struct {
	AllowClarification  *bool `yaml:"allowClarification"`
	MaxIterations       int   `yaml:"maxIterations"`
	MaxPlannedQueries   int   `yaml:"maxPlannedQueries"`
	ModelTimeoutSeconds int   `yaml:"modelTimeoutSeconds"`
}

type config struct {
	Port     string                 `yaml:"port"`
	DBPath   string                 `yaml:"dbPath"`
	Models   map[string]modelConfig `yaml:"models"`
	Search   searchConfig           `yaml:"search"`
	Research researchSettings       `yaml:"research"`
}

// defaultMaxTokens carries the per-role output budgets used when the config
// leaves maxTokens unset.
var defaultMaxTokens = map[services.Role]int{
	services.RoleSummarization: 4096,
	services.RoleResearch:      8192,
	services.RoleCompression:   4096,
	services.RoleFinalReport:   16384,
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	return cfg, nil
}

// roleConfigs validates and assembles the four role configurations. A missing
// required field for any role is a startup-time fatal error, never a runtime
// one; the API key may fall back to the <ROLE>_MODEL_API_KEY environment
// variable.
func (c config) roleConfigs() (map[services.Role]services.RoleConfig, error) {
	out := make(map[services.Role]services.RoleConfig, len(services.Roles))
	for _, role := range services.Roles {
		mc, ok := c.Models[string(role)]
		if !ok {
			return nil, fmt.Errorf("missing model configuration for role %s", role)
		}
		if mc.Model == "" {
			return nil, fmt.Errorf("model is required for role %s", role)
		}
		if mc.BaseURL == "" {
			return nil, fmt.Errorf("baseURL is required for role %s", role)
		}

		apiKey := mc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(strings.ToUpper(string(role)) + "_MODEL_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("apiKey is required for role %s", role)
		}

		maxTokens := mc.MaxTokens
		if maxTokens == 0 {
			maxTokens = defaultMaxTokens[role]
		}

		out[role] = services.RoleConfig{
			Model:     mc.Model,
			BaseURL:   mc.BaseURL,
			APIKey:    apiKey,
			MaxTokens: maxTokens,
		}
	}
	return out, nil
}

func (c config) tavilyAPIKey() (string, error) {
	key := c.Search.TavilyAPIKey
	if key == "" {
		key = os.Getenv("TAVILY_API_KEY")
	}
	if key == "" {
		return "", fmt.Errorf("tavily api key is required")
	}
	return key, nil
}

func (c config) pipelineConfig() research.Config {
	allowClarification := true
	if c.Research.AllowClarification != nil {
		allowClarification = *c.Research.AllowClarification
	}
	return research.Config{
		AllowClarification: allowClarification,
		MaxIterations:      c.Research.MaxIterations,
		MaxPlannedQueries:  c.Research.MaxPlannedQueries,
	}
}

func (c config) modelTimeout() time.Duration {
	if c.Research.ModelTimeoutSeconds > 0 {
		return time.Duration(c.Research.ModelTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}
