package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/armor"
	"southwinds.dev/armor/audit"
	"southwinds.dev/armor/persist"
)

var (
	cfgFile     string
	passphrase  string
	store       persist.Store
	manager     *armor.Manager
	engine      *armor.Engine
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "armor",
	Short: "Manage encryption keys and protect data",
	Long: `Armor is an embeddable encryption and key-management core. This CLI
administers its key store: creating and rotating keys, encrypting and
decrypting data, hashing, backups and health inspection.`,
	PersistentPreRunE: initializeArmor,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			_ = manager.Close()
		}
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.armor.yaml)")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "derivation passphrase (or use ARMOR_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (memory, redis)")

	bindFlagOrPanic("armor.passphrase", "passphrase")
	bindFlagOrPanic("armor.store_type", "store-type")

	// Redis flags
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address host:port")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	rootCmd.PersistentFlags().Int("redis-db", 0, "Redis database number")
	rootCmd.PersistentFlags().String("redis-prefix", "", "Redis key prefix")

	bindFlagOrPanic("armor.redis.address", "redis-addr")
	bindFlagOrPanic("armor.redis.password", "redis-password")
	bindFlagOrPanic("armor.redis.db", "redis-db")
	bindFlagOrPanic("armor.redis.prefix", "redis-prefix")

	// S3 backup archive flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL for the backup archive")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("armor.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("armor.s3.region", "s3-region")
	bindFlagOrPanic("armor.s3.bucket", "s3-bucket")
	bindFlagOrPanic("armor.s3.prefix", "s3-prefix")
	bindFlagOrPanic("armor.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("armor.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("armor.s3.use_ssl", "s3-use-ssl")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, store)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/armor")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".armor")
	}

	viper.SetEnvPrefix("ARMOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine: defaults and env vars apply.
	}
}

func setDefaults() {
	viper.SetDefault("armor.store_type", "memory")
	viper.SetDefault("armor.redis.address", "localhost:6379")
	viper.SetDefault("armor.redis.prefix", "armor")
	viper.SetDefault("armor.s3.region", "us-east-1")
	viper.SetDefault("armor.s3.prefix", "armor/")
	viper.SetDefault("armor.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "armor-audit.log")

	viper.SetDefault("armor.auto_rotate", false)
	viper.SetDefault("armor.auto_backup", false)
	viper.SetDefault("armor.operation_log", false)
}

func initializeArmor(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	passphrase = viper.GetString("armor.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("ARMOR_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase is required. Use --passphrase flag or ARMOR_PASSPHRASE environment variable")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	store, err = createStore(ctx, viper.GetString("armor.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options := armor.DefaultOptions()
	options.DerivationPassphrase = passphrase
	options.BackupPassphrase = viper.GetString("armor.backup_passphrase")
	options.AutoRotate = viper.GetBool("armor.auto_rotate")
	options.AutoBackup = viper.GetBool("armor.auto_backup")
	options.EnableOperationLog = viper.GetBool("armor.operation_log")

	manager, err = armor.NewManager(ctx, options, store, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize key manager: %w", err)
	}
	engine = armor.NewEngine(manager)
	return nil
}

func createAuditLogger() (audit.Logger, error) {
	if viper.GetBool("audit.enabled") && viper.GetString("audit.type") == "store" {
		return audit.NewStoreLogger(store), nil
	}
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(ctx context.Context, storeType string) (persist.Store, error) {
	config := persist.StoreConfig{}
	switch strings.ToLower(storeType) {
	case "memory":
		config.Type = persist.StoreTypeMemory
	case "redis":
		config.Type = persist.StoreTypeRedis
		config.Redis = persist.RedisConfig{
			Addr:      viper.GetString("armor.redis.address"),
			Password:  viper.GetString("armor.redis.password"),
			DB:        viper.GetInt("armor.redis.db"),
			KeyPrefix: viper.GetString("armor.redis.prefix"),
		}
	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: memory, redis", storeType)
	}

	if bucket := viper.GetString("armor.s3.bucket"); bucket != "" {
		config.Archive = &persist.S3Config{
			Endpoint:        viper.GetString("armor.s3.endpoint"),
			Region:          viper.GetString("armor.s3.region"),
			Bucket:          bucket,
			KeyPrefix:       viper.GetString("armor.s3.prefix"),
			AccessKeyID:     viper.GetString("armor.s3.access_key_id"),
			SecretAccessKey: viper.GetString("armor.s3.secret_access_key"),
			UseSSL:          viper.GetBool("armor.s3.use_ssl"),
		}
	}
	return persist.NewStore(ctx, config)
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine. It returns
// "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		_ = auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if isSensitiveFlag(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

// isSensitiveFlag reports whether a flag name should be redacted in
// audit entries.
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
