package cmd

import (
	"errors"
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

	"southwinds.dev/keystone"
	"southwinds.dev/keystone/audit"
	"southwinds.dev/keystone/persist"
)

var (
	cfgFile        string
	organizationID string
	storePassword  string
	keySvc         *keystone.Service
	exportStore    persist.Store
	auditLogger    audit.Logger
	cliContext     *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keystone",
	Short: "Organisation-scoped encryption key management",
	Long: `Keystone manages symmetric encryption keys scoped by organisation and
purpose, with envelope encryption, key rotation, revocation and
password-wrapped key export. Keys live in memory during a session and
are persisted between sessions as password-wrapped exports in the
configured store.`,
	PersistentPreRunE: initializeService,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardownService(cmd)
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

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keystone.yaml)")
	rootCmd.PersistentFlags().StringVarP(&organizationID, "org", "o", "", "organisation identifier")
	rootCmd.PersistentFlags().String("password", "", "store password for wrapping keys (or use KEYSTONE_PASSWORD env var)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path to key storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().String("algorithm", "", "default encryption algorithm (aes-256-gcm, chacha20-poly1305)")

	bindFlagOrPanic("keystone.org", "org")
	bindFlagOrPanic("keystone.password", "password")
	bindFlagOrPanic("keystone.store_path", "store-path")
	bindFlagOrPanic("keystone.store_type", "store-type")
	bindFlagOrPanic("keystone.algorithm", "algorithm")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("keystone.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("keystone.s3.region", "s3-region")
	bindFlagOrPanic("keystone.s3.bucket", "s3-bucket")
	bindFlagOrPanic("keystone.s3.prefix", "s3-prefix")
	bindFlagOrPanic("keystone.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("keystone.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("keystone.s3.use_ssl", "s3-use-ssl")
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
		viper.AddConfigPath("/etc/keystone")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keystone")
	}

	viper.SetEnvPrefix("KEYSTONE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	viper.SetDefault("keystone.org", "default")
	viper.SetDefault("keystone.store_path", ".keystone")
	viper.SetDefault("keystone.store_type", "file")
	viper.SetDefault("keystone.algorithm", keystone.AlgorithmAESGCM)

	// S3 defaults
	viper.SetDefault("keystone.s3.region", "us-east-1")
	viper.SetDefault("keystone.s3.prefix", "keystone/")
	viper.SetDefault("keystone.s3.use_ssl", true)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.options.file_path", "keystone-audit.log")
	viper.SetDefault("audit.log_level", "info")
}

func initializeService(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "debug-config" {
		return nil
	}

	organizationID = viper.GetString("keystone.org")

	storePassword = viper.GetString("keystone.password")
	if storePassword == "" {
		storePassword = os.Getenv("KEYSTONE_PASSWORD")
	}
	if storePassword == "" {
		return fmt.Errorf("store password is required. Use --password flag or KEYSTONE_PASSWORD environment variable")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options := keystone.DefaultOptions()
	options.DefaultAlgorithm = viper.GetString("keystone.algorithm")

	keySvc, err = keystone.New(options, nil, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create key management service: %w", err)
	}

	exportStore, err = createExportStore(viper.GetString("keystone.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create export store: %w", err)
	}

	if err = hydrateFromStore(); err != nil {
		return fmt.Errorf("failed to load keys from store: %w", err)
	}

	return nil
}

func teardownService(cmd *cobra.Command) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "debug-config" {
		return nil
	}

	var errs []error
	if keySvc != nil && exportStore != nil {
		if err := persistToStore(); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist keys: %w", err))
		}
	}
	if exportStore != nil {
		if err := exportStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if keySvc != nil {
		if err := keySvc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:        viper.GetBool("audit.enabled"),
		OrganizationID: viper.GetString("keystone.org"),
		Type:           audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createExportStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "file":
		return persist.NewFileSystemStore(viper.GetString("keystone.store_path"), organizationID)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("keystone.s3.endpoint"),
			AccessKeyID:     viper.GetString("keystone.s3.access_key_id"),
			SecretAccessKey: viper.GetString("keystone.s3.secret_access_key"),
			Bucket:          viper.GetString("keystone.s3.bucket"),
			KeyPrefix:       viper.GetString("keystone.s3.prefix"),
			UseSSL:          viper.GetBool("keystone.s3.use_ssl"),
			Region:          viper.GetString("keystone.s3.region"),
		}

		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}

		return persist.NewS3Store(s3Config, organizationID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "keystone.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "keystone.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "keystone.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "keystone.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// hydrateFromStore unwraps every persisted export into the in-memory
// service. ListExports returns newest first, so the most recently
// exported key for each (organisation, purpose) pair becomes the
// active one; older exports land as decrypt-only rotated keys.
func hydrateFromStore() error {
	exports, err := exportStore.ListExports()
	if err != nil {
		return err
	}

	for _, info := range exports {
		if !info.IsValid {
			fmt.Fprintf(os.Stderr, "Warning: skipping corrupt export for key %s\n", info.KeyID)
			continue
		}

		container, err := exportStore.LoadExport(info.KeyID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load export for key %s: %v\n", info.KeyID, err)
			continue
		}

		wrapped, meta, err := containerToExport(container)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: malformed export for key %s: %v\n", info.KeyID, err)
			continue
		}

		if _, err = keySvc.ImportKey(wrapped, meta, storePassword); err != nil {
			if errors.Is(err, keystone.ErrImportDecryption) {
				return fmt.Errorf("wrong store password for key %s", info.KeyID)
			}
			return fmt.Errorf("failed to import key %s: %w", info.KeyID, err)
		}
	}

	return loadPolicies()
}

// persistToStore wraps every in-memory key under the store password and
// writes it back, then snapshots the rotation policies.
func persistToStore() error {
	records, err := keySvc.ListKeys(organizationID)
	if err != nil {
		return err
	}

	for _, record := range records {
		export, err := keySvc.ExportKey(record.KeyID, storePassword)
		if err != nil {
			return fmt.Errorf("failed to export key %s: %w", record.KeyID, err)
		}

		container := exportToContainer(record.KeyID, export)
		if _, err = exportStore.SaveExport(record.KeyID, container, ""); err != nil {
			return fmt.Errorf("failed to persist key %s: %w", record.KeyID, err)
		}
	}

	// Drop exports for keys that no longer exist (revoked keys swept
	// after their grace period)
	exports, err := exportStore.ListExports()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(records))
	for _, record := range records {
		known[record.KeyID] = true
	}
	for _, info := range exports {
		if !known[info.KeyID] {
			if err = exportStore.DeleteExport(info.KeyID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove stale export %s: %v\n", info.KeyID, err)
			}
		}
	}

	return savePolicies()
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

// Debug command to show current configuration
var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (KEYSTONE_* prefix):\n")
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "KEYSTONE_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if isSensitiveFlag(parts[0]) {
						fmt.Printf("  %s=***REDACTED***\n", parts[0])
					} else {
						fmt.Printf("  %s=%s\n", parts[0], parts[1])
					}
				}
			}
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", viper.GetString("keystone.store_type"))
		fmt.Printf("  Store Path: %s\n", viper.GetString("keystone.store_path"))
		fmt.Printf("  Organisation: %s\n", viper.GetString("keystone.org"))
		fmt.Printf("  Algorithm: %s\n", viper.GetString("keystone.algorithm"))
		fmt.Printf("  Password: %s\n", func() string {
			if viper.GetString("keystone.password") != "" {
				return "***SET***"
			}
			return "***NOT SET***"
		}())

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		if strings.ToLower(viper.GetString("keystone.store_type")) == "s3" {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("keystone.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("keystone.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("keystone.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("keystone.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("keystone.s3.use_ssl"))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
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
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
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

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]

	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
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
