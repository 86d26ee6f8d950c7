package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config models escrowline.yml.
type Config struct {
	Chain struct {
		RPCURL          string `yaml:"rpc_url"`
		ContractAddress string `yaml:"contract_address"`
		ChainID         int    `yaml:"chain_id"`
	} `yaml:"chain"`
	Custody struct {
		Mode    string `yaml:"mode"` // mock | gateway
		BaseURL string `yaml:"base_url"`
	} `yaml:"custody"`
	OffRamp struct {
		BaseURL          string `yaml:"base_url"`
		APIKey           string `yaml:"api_key"`
		Environment      string `yaml:"environment"`
		ReceivingAddress string `yaml:"receiving_address"`
		FiatCurrency     string `yaml:"fiat_currency"`
	} `yaml:"offramp"`
	Extractor struct {
		BaseURL    string `yaml:"base_url"`
		Model      string `yaml:"model"`
		TimeoutMS  int    `yaml:"timeout_ms"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"extractor"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Workflow struct {
		MaxHistoryTurns int `yaml:"max_history_turns"`
	} `yaml:"workflow"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound ledger subscription. An empty events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidEVMAddress reports whether s is a well-formed 20-byte hex address
// for the target chain.
func ValidEVMAddress(s string) bool {
	return evmAddressRe.MatchString(s)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Custody.Mode {
	case "", "mock":
	case "gateway":
		if c.Custody.BaseURL == "" {
			return fmt.Errorf("custody.base_url is required for gateway mode")
		}
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required for gateway mode")
		}
		if !ValidEVMAddress(c.Chain.ContractAddress) {
			return fmt.Errorf("chain.contract_address must be a 0x-prefixed 40-hex address")
		}
	default:
		return fmt.Errorf("custody.mode must be mock or gateway, got %q", c.Custody.Mode)
	}
	if c.OffRamp.ReceivingAddress != "" && !ValidEVMAddress(c.OffRamp.ReceivingAddress) {
		return fmt.Errorf("offramp.receiving_address must be a 0x-prefixed 40-hex address")
	}
	if c.Workflow.MaxHistoryTurns < 0 {
		return fmt.Errorf("workflow.max_history_turns must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// MaxHistoryTurns bounds the terms-capture conversation history.
func (c *Config) MaxHistoryTurns() int {
	if c.Workflow.MaxHistoryTurns == 0 {
		return 20
	}
	return c.Workflow.MaxHistoryTurns
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// Load reads and validates config from workspace, falling back to the
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `chain:
  rpc_url: ""
  contract_address: ""
  chain_id: 10143

custody:
  mode: mock
  base_url: ""

offramp:
  base_url: "https://api-sandbox.offramp.example"
  api_key: ""
  environment: sandbox
  receiving_address: "0x000000000000000000000000000000000000dead"
  fiat_currency: INR

extractor:
  base_url: "http://127.0.0.1:11434"
  model: "llama3.1"
  timeout_ms: 30000
  max_retries: 1

server:
  jwt_secret: ""
  allow_legacy_actor_header: true

workflow:
  max_history_turns: 20

# webhooks:
#   - url: "https://example.com/hooks/escrowline"
#     secret: ""
#     events: [ESCROW_FUNDED, PAYMENT_RELEASED]
`
