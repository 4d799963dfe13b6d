package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "lendchain"

const (
	ChainMemory = "memory"
	ChainEVM    = "evm"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr" envconfig:"LISTEN_ADDR"`
	DBPath     string `yaml:"dbPath"     envconfig:"DB_PATH"`

	ChainBackend    string `yaml:"chainBackend"    envconfig:"CHAIN_BACKEND"`
	RPCURL          string `yaml:"rpcUrl"          envconfig:"RPC_URL"`
	ContractAddress string `yaml:"contractAddress" envconfig:"CONTRACT_ADDRESS"`
	KeyringPath     string `yaml:"keyringPath"     envconfig:"KEYRING_PATH"`
	// MemConfirmAfter is the number of receipt polls after which the memory
	// chain mines a transaction.
	MemConfirmAfter int           `yaml:"memConfirmAfter" envconfig:"MEM_CONFIRM_AFTER"`
	ResendInterval  time.Duration `yaml:"resendInterval"  envconfig:"RESEND_INTERVAL"`
	ResendAttempts  int           `yaml:"resendAttempts"  envconfig:"RESEND_ATTEMPTS"`
	GatewayRetryMax time.Duration `yaml:"gatewayRetryMax" envconfig:"GATEWAY_RETRY_MAX"`

	ConfirmationDeadline time.Duration `yaml:"confirmationDeadline" envconfig:"CONFIRMATION_DEADLINE"`
	PollInitial          time.Duration `yaml:"pollInitial"          envconfig:"POLL_INITIAL"`
	PollMax              time.Duration `yaml:"pollMax"              envconfig:"POLL_MAX"`
	RepollDelay          time.Duration `yaml:"repollDelay"          envconfig:"REPOLL_DELAY"`
	LedgerRetries        int           `yaml:"ledgerRetries"        envconfig:"LEDGER_RETRIES"`
	LateWatchWindow      time.Duration `yaml:"lateWatchWindow"      envconfig:"LATE_WATCH_WINDOW"`
	LateCheckInterval    time.Duration `yaml:"lateCheckInterval"    envconfig:"LATE_CHECK_INTERVAL"`

	WebhookURL     string        `yaml:"webhookUrl"     envconfig:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout" envconfig:"WEBHOOK_TIMEOUT"`

	AuditOnStart     bool `yaml:"auditOnStart"     envconfig:"AUDIT_ON_START"`
	AuditConcurrency int  `yaml:"auditConcurrency" envconfig:"AUDIT_CONCURRENCY"`

	LogLevel  string `yaml:"logLevel"  envconfig:"LOG_LEVEL"`
	LogFile   string `yaml:"logFile"   envconfig:"LOG_FILE"`
	LogFormat string `yaml:"logFormat" envconfig:"LOG_FORMAT"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:           ":8080",
		DBPath:               "/data/lendchain.db",
		ChainBackend:         ChainMemory,
		MemConfirmAfter:      2,
		ResendInterval:       2 * time.Second,
		ResendAttempts:       3,
		GatewayRetryMax:      10 * time.Second,
		ConfirmationDeadline: 2 * time.Minute,
		PollInitial:          500 * time.Millisecond,
		PollMax:              10 * time.Second,
		RepollDelay:          5 * time.Second,
		LedgerRetries:        3,
		LateWatchWindow:      30 * time.Minute,
		LateCheckInterval:    30 * time.Second,
		WebhookTimeout:       5 * time.Second,
		AuditConcurrency:     8,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load starts from defaults, overlays the YAML file at path if one is given
// and finally applies LENDCHAIN_* environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.ChainBackend {
	case ChainMemory:
	case ChainEVM:
		if c.RPCURL == "" {
			errs = append(errs, errors.New("rpcUrl is required for the evm backend"))
		}
		if c.ContractAddress == "" {
			errs = append(errs, errors.New("contractAddress is required for the evm backend"))
		}
		if c.KeyringPath == "" {
			errs = append(errs, errors.New("keyringPath is required for the evm backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chain backend %q", c.ChainBackend))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.ConfirmationDeadline <= 0 {
		errs = append(errs, errors.New("confirmationDeadline must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type contextKey struct{}

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(contextKey{}).(*Config)
	if !ok {
		return nil
	}
	return cfg
}
