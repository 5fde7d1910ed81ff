package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/MarkusTheOrt/fia-docs-api/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	cfg     config.Config
)

// GetConfig returns the loaded configuration.
func GetConfig() config.Config {
	return cfg
}

var rootCmd = &cobra.Command{
	Use:   "fia-docs",
	Short: "fia-docs: FIA document ingestion service",
	Long: `fia-docs polls the FIA decision-document listing pages, downloads new
PDFs, renders page images, uploads everything to S3-compatible storage, and
records metadata in Postgres. Each ingested document emits one Kafka event.

Commands:
  ingest  Run a single discovery and ingestion cycle
  watch   Poll the listing pages continuously
  serve   Start the read-only HTTP API`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

func initLogger() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

func initConfig() {
	// Start with defaults
	cfg = config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/fia-docs")
		viper.AddConfigPath(".")
	}

	// Environment variable overrides
	// FIADOCS_DATABASE_DSN -> database.dsn
	viper.SetEnvPrefix("FIADOCS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicitly bind nested env vars
	viper.BindEnv("fetcher.user_agent", "FIADOCS_FETCHER_USER_AGENT")
	viper.BindEnv("fetcher.timeout", "FIADOCS_FETCHER_TIMEOUT")
	viper.BindEnv("fetcher.delay", "FIADOCS_FETCHER_DELAY")
	viper.BindEnv("database.dsn", "FIADOCS_DATABASE_DSN")
	viper.BindEnv("storage.endpoint", "FIADOCS_STORAGE_ENDPOINT")
	viper.BindEnv("storage.bucket", "FIADOCS_STORAGE_BUCKET")
	viper.BindEnv("storage.region", "FIADOCS_STORAGE_REGION")
	viper.BindEnv("storage.access_key_id", "FIADOCS_STORAGE_ACCESS_KEY_ID")
	viper.BindEnv("storage.secret_access_key", "FIADOCS_STORAGE_SECRET_ACCESS_KEY")
	viper.BindEnv("storage.use_ssl", "FIADOCS_STORAGE_USE_SSL")
	viper.BindEnv("kafka.brokers", "FIADOCS_KAFKA_BROKERS")
	viper.BindEnv("kafka.topic", "FIADOCS_KAFKA_TOPIC")
	viper.BindEnv("renderer.disabled", "FIADOCS_RENDERER_DISABLED")
	viper.BindEnv("renderer.magick_bin", "FIADOCS_RENDERER_MAGICK_BIN")
	viper.BindEnv("pipeline.concurrency", "FIADOCS_PIPELINE_CONCURRENCY")
	viper.BindEnv("pipeline.poll_interval", "FIADOCS_PIPELINE_POLL_INTERVAL")
	viper.BindEnv("server.addr", "FIADOCS_SERVER_ADDR")
	viper.BindEnv("metrics.addr", "FIADOCS_METRICS_ADDR")

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("config file error", "error", err)
		}
		// No config file - use defaults + env vars
	}

	// Unmarshal into struct (merges config file with defaults)
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Warn("failed to parse config", "error", err)
	}

	// Handle special case: brokers as comma-separated string from env
	if brokers := os.Getenv("FIADOCS_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
}
