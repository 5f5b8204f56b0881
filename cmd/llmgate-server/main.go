package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/semantrix/llmgate/internal/cache"
	"github.com/semantrix/llmgate/internal/ratelimit"
	"github.com/semantrix/llmgate/internal/server"
	"github.com/spf13/viper"
)

// Version information, set at build time with -ldflags.
var (
	version   = "dev"
	commitSHA = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llmgate version %s\n", version)
		fmt.Printf("Commit: %s\n", commitSHA)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	server.Version = version
	srv, err := server.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	srv.WaitForShutdown()
}

// loadConfig loads configuration from file and LLMGATE_* environment variables.
func loadConfig(configFile string) (*server.Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LLMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Config file not found, using defaults")
	}

	var config server.Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// setDefaults sets sensible default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("default_provider", "local")

	v.SetDefault("health_check.enabled", true)
	v.SetDefault("health_check.interval", 30*time.Second)
	v.SetDefault("health_check.timeout", 10*time.Second)

	v.SetDefault("classifier.default", "rules")
	v.SetDefault("routing.default", "rules")
	v.SetDefault("routing.failover.failover_delay", 30*time.Second)

	cacheDefaults := cache.DefaultConfig()
	v.SetDefault("cache.enabled", cacheDefaults.Enabled)
	v.SetDefault("cache.prefix", cacheDefaults.Prefix)
	v.SetDefault("cache.ttl", cacheDefaults.TTL)
	v.SetDefault("cache.encode_threshold", cacheDefaults.EncodeThreshold)
	v.SetDefault("cache.exclude_methods", cacheDefaults.ExcludeMethods)
	v.SetDefault("cache.exclude_paths", cacheDefaults.ExcludePaths)
	v.SetDefault("cache.invalidation_pattern", cacheDefaults.InvalidationPattern)
	v.SetDefault("cache.fingerprint.include_path", cacheDefaults.Fingerprint.IncludePath)
	v.SetDefault("cache.fingerprint.include_query", cacheDefaults.Fingerprint.IncludeQuery)
	v.SetDefault("cache.fingerprint.include_body", cacheDefaults.Fingerprint.IncludeBody)
	v.SetDefault("cache.fingerprint.per_user", cacheDefaults.Fingerprint.PerUser)
	v.SetDefault("cache.fingerprint.user_headers", cacheDefaults.Fingerprint.UserHeaders)
	v.SetDefault("cache.store.type", "memory")
	v.SetDefault("cache.store.default_ttl", cacheDefaults.TTL)
	v.SetDefault("cache.store.cleanup_interval", 10*time.Minute)
	v.SetDefault("cache.store.redis.addr", "localhost:6379")
	v.SetDefault("cache.store.redis.dial_timeout", 5*time.Second)

	limitDefaults := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.enabled", limitDefaults.Enabled)
	v.SetDefault("rate_limit.prefix", limitDefaults.Prefix)
	v.SetDefault("rate_limit.global.max", limitDefaults.Global.Max)
	v.SetDefault("rate_limit.global.window_ms", limitDefaults.Global.WindowMS)
	v.SetDefault("rate_limit.key_order", limitDefaults.KeyOrder)
	v.SetDefault("rate_limit.api_key_header", limitDefaults.APIKeyHeader)
	v.SetDefault("rate_limit.forwarded_header", limitDefaults.ForwardedHeader)
	v.SetDefault("rate_limit.headers", limitDefaults.Headers)
	v.SetDefault("rate_limit.store.type", "memory")
	v.SetDefault("rate_limit.store.redis.addr", "localhost:6379")
	v.SetDefault("rate_limit.store.redis.dial_timeout", 5*time.Second)

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output_path", "logs/app.log")
	v.SetDefault("observability.logging.error_path", "logs/error.log")
	v.SetDefault("observability.logging.development", false)

	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.port", 9090)
	v.SetDefault("observability.metrics.path", "/metrics")

	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "llmgate")
	v.SetDefault("observability.tracing.environment", "development")

	for _, p := range []string{"openai", "anthropic", "google", "local"} {
		v.SetDefault("providers."+p+".enabled", false)
		v.SetDefault("providers."+p+".api_key", "")
		v.SetDefault("providers."+p+".timeout", 30*time.Second)
		v.SetDefault("providers."+p+".max_retries", 3)
		v.SetDefault("providers."+p+".retry_delay", 1*time.Second)
		v.SetDefault("providers."+p+".default_max_tokens", 1024)
	}
	v.SetDefault("providers.local.base_url", "http://localhost:11434")
}
