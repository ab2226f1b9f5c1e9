package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/internal"
)

const (
	defaultAPIHost     = "0.0.0.0"
	defaultAPIPort     = 8090
	defaultLogLevel    = "info"
	defaultLogOutput   = "stdout"
	defaultDatadir     = ".signer-node" // Will be prefixed with user's home directory
	defaultGasPriceTTL = 30 * time.Second
	defaultNonceTTL    = 24 * time.Hour
	shutdownTimeout    = 30 * time.Second
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the application configuration
type Config struct {
	Chains  []string      `mapstructure:"chains"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Redis   RedisConfig   `mapstructure:"redis"`
	AWS     AWSConfig     `mapstructure:"aws"`
	Secrets SecretsConfig `mapstructure:"secrets"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Gas     GasConfig     `mapstructure:"gas"`
	Nonce   NonceConfig   `mapstructure:"nonce"`
	Retry   RetryConfig   `mapstructure:"retry"`
	DLQ     DLQConfig     `mapstructure:"dlq"`
	API     APIConfig     `mapstructure:"api"`
	Log     LogConfig     `mapstructure:"log"`
	Datadir string        `mapstructure:"datadir"`
}

// QueueConfig holds the default SQS queue URLs; empty URLs select in-process
// queues for local runs. Per-chain overrides live under chain.<c>.<n>.*.
type QueueConfig struct {
	Ingress string `mapstructure:"ingress"`
	Egress  string `mapstructure:"egress"`
	DLQ     string `mapstructure:"dlq"`
}

// MongoConfig holds the persistence settings; an empty URI selects the
// in-memory store.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// RedisConfig holds the nonce/retry store settings; an empty address selects
// the in-process store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AWSConfig holds the shared AWS client settings.
type AWSConfig struct {
	Region string `mapstructure:"region"`
}

// SecretsConfig selects where signing keys come from.
type SecretsConfig struct {
	Source   string `mapstructure:"source"` // static, env or aws
	PrivKey  string `mapstructure:"privkey"`
	EnvVar   string `mapstructure:"envvar"`
	SecretID string `mapstructure:"secretid"`
	JSONKey  string `mapstructure:"jsonkey"`
}

// BatchConfig holds the Multicall3 batching knobs.
type BatchConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Size              int     `mapstructure:"size"`
	MinSize           int     `mapstructure:"minsize"`
	Threshold         int     `mapstructure:"threshold"`
	MinSavingsPercent float64 `mapstructure:"minsavingspercent"`
	SingleTxGas       uint64  `mapstructure:"singletxgas"`
	BaseGas           uint64  `mapstructure:"basegas"`
	PerTxGas          uint64  `mapstructure:"pertxgas"`
}

// GasConfig holds the gas estimation model knobs.
type GasConfig struct {
	SafetyMargin      float64       `mapstructure:"safetymargin"`
	MulticallOverhead uint64        `mapstructure:"multicalloverhead"`
	BaseTransferGas   uint64        `mapstructure:"basetransfergas"`
	AdditionalPerCall uint64        `mapstructure:"additionalpercall"`
	TotalBuffer       float64       `mapstructure:"totalbuffer"`
	MaxBatchSize      int           `mapstructure:"maxbatchsize"`
	PriceCacheTTL     time.Duration `mapstructure:"pricecachettl"`
}

// NonceConfig holds the nonce coordination settings.
type NonceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RetryConfig bounds re-signing attempts before dead-lettering.
type RetryConfig struct {
	Max int `mapstructure:"max"`
}

// DLQConfig selects the dead-letter policy.
type DLQConfig struct {
	Policy string `mapstructure:"policy"`
}

// APIConfig holds the operational HTTP API settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// ChainSettings are the per-(chain, network) overrides read from the nested
// chain.<chain>.<network>.* keys.
type ChainSettings struct {
	RPCs     []string
	Ingress  string
	Egress   string
	DLQ      string
	PrivKey  string
	EnvVar   string
	SecretID string
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, *viper.Viper, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("chains", []string{})
	v.SetDefault("mongo.database", "signer")
	v.SetDefault("secrets.source", "env")
	v.SetDefault("secrets.envvar", "SIGNER_PRIVATE_KEY")
	v.SetDefault("batch.enabled", true)
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.minsize", 2)
	v.SetDefault("batch.threshold", 2)
	v.SetDefault("batch.minsavingspercent", 20.0)
	v.SetDefault("batch.singletxgas", 65000)
	v.SetDefault("batch.basegas", 35000)
	v.SetDefault("batch.pertxgas", 25000)
	v.SetDefault("gas.safetymargin", 0.75)
	v.SetDefault("gas.multicalloverhead", 35000)
	v.SetDefault("gas.basetransfergas", 65000)
	v.SetDefault("gas.additionalpercall", 5000)
	v.SetDefault("gas.totalbuffer", 1.15)
	v.SetDefault("gas.maxbatchsize", 100)
	v.SetDefault("gas.pricecachettl", defaultGasPriceTTL)
	v.SetDefault("nonce.ttl", defaultNonceTTL)
	v.SetDefault("retry.max", 5)
	v.SetDefault("dlq.policy", "on-permanent-or-max-retries")
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	// Configure flags
	flag.StringSliceP("chains", "c", []string{}, "chain:network pairs to sign for, comma-separated (i.e ethereum:mainnet,polygon:mainnet)")
	flag.String("queue.ingress", "", "default ingress SQS queue URL (empty runs in-process queues)")
	flag.String("queue.egress", "", "default egress SQS queue URL")
	flag.String("queue.dlq", "", "default dead-letter SQS queue URL")
	flag.String("mongo.uri", "", "MongoDB connection URI (empty runs the in-memory store)")
	flag.String("mongo.database", "signer", "MongoDB database name")
	flag.String("redis.addr", "", "Redis address for nonce and retry state (empty runs in-process)")
	flag.String("aws.region", "", "AWS region for SQS and Secrets Manager")
	flag.String("secrets.source", "env", "signing key source: static, env or aws")
	flag.StringP("secrets.privkey", "k", "", "signing key for the static source")
	flag.String("secrets.envvar", "SIGNER_PRIVATE_KEY", "environment variable holding the key for the env source")
	flag.String("secrets.secretid", "", "AWS Secrets Manager secret id for the aws source")
	flag.String("secrets.jsonkey", "", "JSON field holding the key inside the AWS secret (optional)")
	flag.Bool("batch.enabled", true, "enable Multicall3 batching")
	flag.Int("batch.size", 10, "ingress receive size per worker iteration")
	flag.Int("batch.threshold", 2, "minimum same-token group size that forms a batch")
	flag.Float64("batch.minsavingspercent", 20.0, "minimum projected gas saving to batch (percent)")
	flag.Int("retry.max", 5, "re-signing attempts before dead-lettering")
	flag.String("dlq.policy", "on-permanent-or-max-retries", "dead-letter policy: always or on-permanent-or-max-retries")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the gas hint database")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "signer-node v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: signer-node [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, SIGNER_CHAINS or SIGNER_MONGO_URI\n")
		fmt.Fprintf(os.Stderr, "\nPer-chain settings live under chain.<chain>.<network>.*:\n")
		fmt.Fprintf(os.Stderr, "  SIGNER_CHAIN_ETHEREUM_MAINNET_RPC=https://rpc1,https://rpc2\n")
		fmt.Fprintf(os.Stderr, "  SIGNER_CHAIN_ETHEREUM_MAINNET_INGRESS=https://sqs.../withdrawals\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Local run against one chain with in-process queues and storage\n")
		fmt.Fprintf(os.Stderr, "  signer-node --chains=ethereum:testnet --secrets.source=static --secrets.privkey=0x123...\n\n")
		fmt.Fprintf(os.Stderr, "  # Production run with SQS, MongoDB and Redis\n")
		fmt.Fprintf(os.Stderr, "  signer-node --chains=ethereum:mainnet,polygon:mainnet --mongo.uri=mongodb://... --redis.addr=redis:6379\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("SIGNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, v, nil
}

// chainSettings reads the nested per-chain keys, falling back to the global
// queue and secret settings.
func chainSettings(v *viper.Viper, cfg *Config, chain, network string) ChainSettings {
	prefix := fmt.Sprintf("chain.%s.%s.", chain, network)
	s := ChainSettings{
		RPCs:     splitList(v.GetString(prefix + "rpc")),
		Ingress:  v.GetString(prefix + "ingress"),
		Egress:   v.GetString(prefix + "egress"),
		DLQ:      v.GetString(prefix + "dlq"),
		PrivKey:  v.GetString(prefix + "privkey"),
		EnvVar:   v.GetString(prefix + "envvar"),
		SecretID: v.GetString(prefix + "secretid"),
	}
	if s.Ingress == "" {
		s.Ingress = cfg.Queue.Ingress
	}
	if s.Egress == "" {
		s.Egress = cfg.Queue.Egress
	}
	if s.DLQ == "" {
		s.DLQ = cfg.Queue.DLQ
	}
	if s.PrivKey == "" {
		s.PrivKey = cfg.Secrets.PrivKey
	}
	if s.EnvVar == "" {
		s.EnvVar = cfg.Secrets.EnvVar
	}
	if s.SecretID == "" {
		s.SecretID = cfg.Secrets.SecretID
	}
	return s
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseChainPair splits a "chain:network" flag entry.
func parseChainPair(pair string) (string, string, error) {
	chain, network, ok := strings.Cut(pair, ":")
	if !ok || chain == "" || network == "" {
		return "", "", fmt.Errorf("malformed chain pair %q, expected chain:network", pair)
	}
	return strings.ToLower(chain), strings.ToLower(network), nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config, v *viper.Viper) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain is required (use --chains or SIGNER_CHAINS)")
	}
	for _, pair := range cfg.Chains {
		chain, network, err := parseChainPair(pair)
		if err != nil {
			return err
		}
		if !config.IsSupported(chain, network) {
			return fmt.Errorf("unsupported chain %s network %s", chain, network)
		}
		if len(chainSettings(v, cfg, chain, network).RPCs) == 0 {
			return fmt.Errorf("no rpc endpoints for %s:%s (set chain.%s.%s.rpc)", chain, network, chain, network)
		}
	}
	switch cfg.Secrets.Source {
	case "static", "env", "aws":
	default:
		return fmt.Errorf("invalid secrets source %q, expected static, env or aws", cfg.Secrets.Source)
	}
	switch cfg.DLQ.Policy {
	case "always", "on-permanent-or-max-retries":
	default:
		return fmt.Errorf("invalid dlq policy %q", cfg.DLQ.Policy)
	}
	if usesSQS(cfg, v) && cfg.AWS.Region == "" {
		return fmt.Errorf("aws.region is required when SQS queue URLs are configured")
	}
	if cfg.Secrets.Source == "aws" && cfg.AWS.Region == "" {
		return fmt.Errorf("aws.region is required for the aws secrets source")
	}
	return nil
}

// usesSQS reports whether any configured queue resolves to a real URL.
func usesSQS(cfg *Config, v *viper.Viper) bool {
	for _, pair := range cfg.Chains {
		chain, network, err := parseChainPair(pair)
		if err != nil {
			continue
		}
		s := chainSettings(v, cfg, chain, network)
		if s.Ingress != "" || s.Egress != "" || s.DLQ != "" {
			return true
		}
	}
	return false
}
