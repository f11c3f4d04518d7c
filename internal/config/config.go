package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int `koanf:"port"`
	} `koanf:"server"`

	GitHub struct {
		// Static PAT. When set, installation-token minting is skipped.
		Token string `koanf:"token"`

		// GitHub App credentials for installation-scoped tokens.
		AppID          int64  `koanf:"app_id"`
		InstallationID int64  `koanf:"installation_id"`
		PrivateKeyPath string `koanf:"private_key_path"`

		WebhookSecret string   `koanf:"webhook_secret"`
		AllowedUsers  []string `koanf:"allowed_users"`
	} `koanf:"github"`

	RunService struct {
		BaseURL        string `koanf:"base_url"`
		APIKey         string `koanf:"api_key"`
		ManagerGraphID string `koanf:"manager_graph_id"`
		PlannerGraphID string `koanf:"planner_graph_id"`
	} `koanf:"run_service"`

	Model struct {
		Provider      string  `koanf:"provider"`
		APIKey        string  `koanf:"api_key"`
		StandardModel string  `koanf:"standard_model"`
		MaxModel      string  `koanf:"max_model"`
		Temperature   float64 `koanf:"temperature"`
	} `koanf:"model"`

	Store struct {
		PostgresDSN string `koanf:"postgres_dsn"`
	} `koanf:"store"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.port":                  8980,
		"run_service.manager_graph_id": "manager",
		"run_service.planner_graph_id": "planner",
		"model.provider":               "anthropic",
		"model.standard_model":         "claude-sonnet-4-0",
		"model.max_model":              "claude-opus-4-1",
		"model.temperature":            0.0,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./openswe.toml", "$HOME/.openswe.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix OPENSWE_. Double underscore
	// separates sections, e.g. OPENSWE_MODEL__API_KEY -> model.api_key.
	k.Load(env.Provider("OPENSWE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OPENSWE_")), "__", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# open-swe configuration

[server]
port = 8980

[github]
token = "your-github-token"
webhook_secret = "your-webhook-secret"
allowed_users = ["your-github-login"]

[run_service]
base_url = "http://localhost:2024"
api_key = ""

[model]
provider = "anthropic"
api_key = "your-model-api-key"
standard_model = "claude-sonnet-4-0"
max_model = "claude-opus-4-1"

[store]
postgres_dsn = ""
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.GitHub.Token == "" && (config.GitHub.AppID == 0 || config.GitHub.PrivateKeyPath == "") {
		return fmt.Errorf("either github token or github app credentials are required")
	}

	if config.RunService.BaseURL == "" {
		return fmt.Errorf("run_service base_url is required")
	}

	if config.Model.APIKey == "" {
		return fmt.Errorf("model api_key is required")
	}

	switch config.Model.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unsupported model provider %q", config.Model.Provider)
	}

	return nil
}
