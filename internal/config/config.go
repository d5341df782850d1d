package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ClusterName string `yaml:"cluster_name"`
	Environment string `yaml:"environment"`
	WorkerID    int64  `yaml:"worker_id"`

	Plugins struct {
		AuthN struct {
			Driver string `yaml:"driver"`
			Tikti  struct {
				IntrospectionURL string `yaml:"introspection_url"`
				CacheTTLSeconds  int    `yaml:"cache_ttl_seconds"`
			} `yaml:"tikti"`
		} `yaml:"authn"`
		Persistence struct {
			Driver string `yaml:"driver"`
			Redis  struct {
				Addr     string `yaml:"addr"`
				Password string `yaml:"password"`
				DB       int    `yaml:"db"`
			} `yaml:"redis"`
		} `yaml:"persistence"`
		Messaging struct {
			Driver string `yaml:"driver"`
			Kafka  struct {
				Brokers []string `yaml:"brokers"`
				Topics  struct {
					Deployments string `yaml:"deployments"`
					Invocations string `yaml:"invocations"`
				} `yaml:"topics"`
			} `yaml:"kafka"`
		} `yaml:"messaging"`
		Invocations struct {
			Driver   string `yaml:"driver"`
			Postgres struct {
				DSN string `yaml:"dsn"`
			} `yaml:"postgres"`
		} `yaml:"invocations"`
	} `yaml:"plugins"`

	Queue struct {
		Prefix            string `yaml:"prefix"`
		VisibilitySeconds int    `yaml:"visibility_seconds"`
		RetryDelayMS      int    `yaml:"retry_delay_ms"`
		BackoffBaseMS     int    `yaml:"backoff_base_ms"`
		BackoffMaxMS      int    `yaml:"backoff_max_ms"`
		MaxAttempts       int    `yaml:"max_attempts"`
		PollIntervalMS    int    `yaml:"poll_interval_ms"`
		ConsumersPerQueue int    `yaml:"consumers_per_queue"`
	} `yaml:"queue"`

	Forge struct {
		URL            string `yaml:"url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"forge"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"storage"`

	Encryption struct {
		// Hex-encoded 32 byte master key.
		Key string `yaml:"key"`
	} `yaml:"encryption"`

	Provider struct {
		Default string `yaml:"default"`
		Lambda  struct {
			Region          string `yaml:"region"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			RoleARN         string `yaml:"role_arn"`
			VerifyAccess    bool   `yaml:"verify_access"`
		} `yaml:"lambda"`
	} `yaml:"provider"`

	Pipeline struct {
		MonitorIntervalSeconds int `yaml:"monitor_interval_seconds"`
		MonitorMaxPolls        int `yaml:"monitor_max_polls"`
		CleanupDelaySeconds    int `yaml:"cleanup_delay_seconds"`
	} `yaml:"pipeline"`

	FBControl struct {
		HTTP struct {
			Addr string `yaml:"addr"`
		} `yaml:"http"`
		Invocations struct {
			FunctionCacheTTLSeconds int `yaml:"function_cache_ttl_seconds"`
			PersistTimeoutSeconds   int `yaml:"persist_timeout_seconds"`
		} `yaml:"invocations"`
	} `yaml:"fb_control"`

	FBPipeline struct {
		HTTP struct {
			Addr string `yaml:"addr"`
		} `yaml:"http"`
	} `yaml:"fb_pipeline"`

	FBJanitor struct {
		HTTP struct {
			Addr string `yaml:"addr"`
		} `yaml:"http"`
		IntervalSeconds        int `yaml:"interval_seconds"`
		InvocationRetentionHrs int `yaml:"invocation_retention_hours"`
		LeaderElection         struct {
			Enabled   bool   `yaml:"enabled"`
			LeaseName string `yaml:"lease_name"`
		} `yaml:"leader_election"`
	} `yaml:"fb_janitor"`
}

func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	overrideEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overrideEnv(cfg *Config) {
	if v := os.Getenv("FB_CLUSTER_NAME"); v != "" {
		cfg.ClusterName = v
	}
	if v := os.Getenv("FB_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("FB_WORKER_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.WorkerID = parsed
		}
	}
	if v := os.Getenv("FB_REDIS_ADDR"); v != "" {
		cfg.Plugins.Persistence.Redis.Addr = v
	}
	if v := os.Getenv("FB_REDIS_PASSWORD"); v != "" {
		cfg.Plugins.Persistence.Redis.Password = v
	}
	if v := os.Getenv("FB_KAFKA_BROKERS"); v != "" {
		cfg.Plugins.Messaging.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("FB_POSTGRES_DSN"); v != "" {
		cfg.Plugins.Invocations.Postgres.DSN = v
	}
	if v := os.Getenv("FB_TIKTI_INTROSPECTION_URL"); v != "" {
		cfg.Plugins.AuthN.Tikti.IntrospectionURL = v
	}
	if v := os.Getenv("FB_TIKTI_CACHE_TTL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Plugins.AuthN.Tikti.CacheTTLSeconds = parsed
		}
	}
	if v := os.Getenv("FB_FORGE_URL"); v != "" {
		cfg.Forge.URL = v
	}
	if v := os.Getenv("FB_FORGE_TOKEN"); v != "" {
		cfg.Forge.Token = v
	}
	if v := os.Getenv("FB_STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("FB_STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("FB_STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("FB_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("FB_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("FB_LAMBDA_REGION"); v != "" {
		cfg.Provider.Lambda.Region = v
	}
	if v := os.Getenv("FB_LAMBDA_ACCESS_KEY_ID"); v != "" {
		cfg.Provider.Lambda.AccessKeyID = v
	}
	if v := os.Getenv("FB_LAMBDA_SECRET_ACCESS_KEY"); v != "" {
		cfg.Provider.Lambda.SecretAccessKey = v
	}
	if v := os.Getenv("FB_LAMBDA_ROLE_ARN"); v != "" {
		cfg.Provider.Lambda.RoleARN = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Plugins.AuthN.Driver == "" {
		cfg.Plugins.AuthN.Driver = "tikti"
	}
	if cfg.Plugins.AuthN.Tikti.CacheTTLSeconds == 0 {
		cfg.Plugins.AuthN.Tikti.CacheTTLSeconds = 60
	}
	if cfg.Plugins.Persistence.Driver == "" {
		cfg.Plugins.Persistence.Driver = "redis"
	}
	if cfg.Plugins.Messaging.Driver == "" {
		cfg.Plugins.Messaging.Driver = "none"
	}
	if cfg.Plugins.Messaging.Kafka.Topics.Deployments == "" {
		cfg.Plugins.Messaging.Kafka.Topics.Deployments = "fbay.deployments"
	}
	if cfg.Plugins.Messaging.Kafka.Topics.Invocations == "" {
		cfg.Plugins.Messaging.Kafka.Topics.Invocations = "fbay.invocations"
	}
	if cfg.Plugins.Invocations.Driver == "" {
		cfg.Plugins.Invocations.Driver = "kv"
	}

	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "fb:q"
	}
	if cfg.Queue.VisibilitySeconds == 0 {
		cfg.Queue.VisibilitySeconds = 300
	}
	if cfg.Queue.RetryDelayMS == 0 {
		cfg.Queue.RetryDelayMS = 1000
	}
	if cfg.Queue.BackoffBaseMS == 0 {
		cfg.Queue.BackoffBaseMS = 1000
	}
	if cfg.Queue.BackoffMaxMS == 0 {
		cfg.Queue.BackoffMaxMS = 60000
	}
	if cfg.Queue.PollIntervalMS == 0 {
		cfg.Queue.PollIntervalMS = 250
	}
	if cfg.Queue.ConsumersPerQueue == 0 {
		cfg.Queue.ConsumersPerQueue = 2
	}

	if cfg.Forge.TimeoutSeconds == 0 {
		cfg.Forge.TimeoutSeconds = 30
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "function-bay-bundles"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Provider.Default == "" {
		cfg.Provider.Default = "aws.lambda"
	}
	if cfg.Provider.Lambda.Region == "" {
		cfg.Provider.Lambda.Region = "us-east-1"
	}

	if cfg.Pipeline.MonitorIntervalSeconds == 0 {
		cfg.Pipeline.MonitorIntervalSeconds = 5
	}
	if cfg.Pipeline.CleanupDelaySeconds == 0 {
		cfg.Pipeline.CleanupDelaySeconds = 60
	}

	if cfg.FBControl.HTTP.Addr == "" {
		cfg.FBControl.HTTP.Addr = ":8080"
	}
	if cfg.FBControl.Invocations.FunctionCacheTTLSeconds == 0 {
		cfg.FBControl.Invocations.FunctionCacheTTLSeconds = 60
	}
	if cfg.FBControl.Invocations.PersistTimeoutSeconds == 0 {
		cfg.FBControl.Invocations.PersistTimeoutSeconds = 10
	}
	if cfg.FBPipeline.HTTP.Addr == "" {
		cfg.FBPipeline.HTTP.Addr = ":8081"
	}
	if cfg.FBJanitor.HTTP.Addr == "" {
		cfg.FBJanitor.HTTP.Addr = ":8082"
	}
	if cfg.FBJanitor.IntervalSeconds == 0 {
		cfg.FBJanitor.IntervalSeconds = 3600
	}
	if cfg.FBJanitor.InvocationRetentionHrs == 0 {
		cfg.FBJanitor.InvocationRetentionHrs = 72
	}
	if cfg.FBJanitor.LeaderElection.LeaseName == "" {
		cfg.FBJanitor.LeaderElection.LeaseName = "fb-janitor"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClusterName) == "" {
		return errors.New("cluster_name is required")
	}
	if strings.TrimSpace(c.Environment) == "" {
		return errors.New("environment is required")
	}
	if c.WorkerID < 0 || c.WorkerID > 4095 {
		return fmt.Errorf("worker_id must be within [0, 4095]")
	}

	switch c.Plugins.AuthN.Driver {
	case "tikti":
		if strings.TrimSpace(c.Plugins.AuthN.Tikti.IntrospectionURL) == "" {
			return errors.New("plugins.authn.tikti.introspection_url is required")
		}
	default:
		return fmt.Errorf("unsupported authn plugin driver: %s", c.Plugins.AuthN.Driver)
	}

	switch c.Plugins.Persistence.Driver {
	case "redis":
		if strings.TrimSpace(c.Plugins.Persistence.Redis.Addr) == "" {
			return errors.New("plugins.persistence.redis.addr is required")
		}
	default:
		return fmt.Errorf("unsupported persistence plugin driver: %s", c.Plugins.Persistence.Driver)
	}

	switch c.Plugins.Messaging.Driver {
	case "none":
	case "kafka":
		if len(c.Plugins.Messaging.Kafka.Brokers) == 0 {
			return errors.New("plugins.messaging.kafka.brokers is required")
		}
	default:
		return fmt.Errorf("unsupported messaging plugin driver: %s", c.Plugins.Messaging.Driver)
	}

	switch c.Plugins.Invocations.Driver {
	case "kv":
	case "postgres":
		if strings.TrimSpace(c.Plugins.Invocations.Postgres.DSN) == "" {
			return errors.New("plugins.invocations.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unsupported invocations plugin driver: %s", c.Plugins.Invocations.Driver)
	}

	if strings.TrimSpace(c.Forge.URL) == "" {
		return errors.New("forge.url is required")
	}
	if strings.TrimSpace(c.Storage.Endpoint) == "" {
		return errors.New("storage.endpoint is required")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	if c.Queue.MaxAttempts < 0 {
		return errors.New("queue.max_attempts must be >= 0")
	}
	if c.Queue.BackoffMaxMS < c.Queue.BackoffBaseMS {
		return errors.New("queue.backoff_max_ms must be >= queue.backoff_base_ms")
	}
	if c.Pipeline.MonitorMaxPolls < 0 {
		return errors.New("pipeline.monitor_max_polls must be >= 0")
	}
	if c.FBJanitor.InvocationRetentionHrs < 0 {
		return errors.New("fb_janitor.invocation_retention_hours must be >= 0")
	}
	return nil
}

// EncryptionKey decodes the configured master key.
func (c Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Encryption.Key))
	if err != nil {
		return nil, fmt.Errorf("encryption.key must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption.key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Pipeline.MonitorIntervalSeconds) * time.Second
}

func (c Config) CleanupDelay() time.Duration {
	return time.Duration(c.Pipeline.CleanupDelaySeconds) * time.Second
}

func (c Config) InvocationRetention() time.Duration {
	return time.Duration(c.FBJanitor.InvocationRetentionHrs) * time.Hour
}
