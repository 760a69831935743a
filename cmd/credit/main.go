package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/tiers"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL          = "database-url"
	flagStoreBackend         = "store"
	flagListenAddr           = "listen-addr"
	flagMetricsAddr          = "metrics-addr"
	flagSlotTTL              = "slot-ttl"
	flagStaleHoldMaxAgeHours = "stale-hold-max-age-hours"
	flagSweepInterval        = "sweep-interval"
	flagTierLimits           = "tier-limits"
	flagDefaultTier          = "default-tier"
	flagUserTiers            = "user-tiers"
	flagConflictAttempts     = "conflict-attempts"

	defaultDatabaseURL          = "sqlite:///tmp/credits.db"
	defaultGRPCListenAddr       = ":7000"
	defaultMetricsAddr          = ":9100"
	defaultSlotTTL              = 5 * time.Minute
	defaultStaleHoldMaxAgeHours = 24
	defaultSweepInterval        = time.Minute
	defaultConflictAttempts     = 2
	maxConflictAttempts         = 5

	storeBackendPgx  = "pgx"
	storeBackendGorm = "gorm"
)

type runtimeConfig struct {
	DatabaseURL          string
	StoreBackend         string
	ListenAddr           string
	MetricsAddr          string
	SlotTTL              time.Duration
	StaleHoldMaxAgeHours int
	SweepInterval        time.Duration
	TierLimits           string
	DefaultTier          string
	UserTiers            string
	ConflictAttempts     int
}

// Validate fills defaults and rejects settings the server cannot run with.
func (cfg *runtimeConfig) Validate() error {
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendPgx
	}
	if cfg.StoreBackend != storeBackendPgx && cfg.StoreBackend != storeBackendGorm {
		return fmt.Errorf("%s must be %q or %q, got %q", flagStoreBackend, storeBackendPgx, storeBackendGorm, cfg.StoreBackend)
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%s is required", flagListenAddr)
	}
	if cfg.SlotTTL <= 0 {
		return fmt.Errorf("%s must be positive", flagSlotTTL)
	}
	if cfg.StaleHoldMaxAgeHours <= 0 {
		return fmt.Errorf("%s must be positive", flagStaleHoldMaxAgeHours)
	}
	if cfg.SweepInterval <= 0 {
		return fmt.Errorf("%s must be positive", flagSweepInterval)
	}
	if cfg.ConflictAttempts < 1 || cfg.ConflictAttempts > maxConflictAttempts {
		return fmt.Errorf("%s must be between 1 and %d", flagConflictAttempts, maxConflictAttempts)
	}
	if _, err := tiers.FromConfig(cfg.TierLimits, cfg.DefaultTier, cfg.UserTiers); err != nil {
		return err
	}
	return nil
}

func (cfg *runtimeConfig) usesPostgres() (bool, error) {
	driver, _, err := gormstore.ResolveDriver(cfg.DatabaseURL)
	if err != nil {
		return false, err
	}
	return driver == gormstore.DriverPostgres, nil
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit reservation ledger and concurrency limiter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database URL: postgres://..., sqlite://path or a file path")
	cmd.PersistentFlags().String(flagStoreBackend, storeBackendPgx, "store for PostgreSQL URLs: pgx or gorm")
	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg))
	return cmd
}

func bindFlags(cmd *cobra.Command, names ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.InheritedFlags().Lookup(name)
		}
		if flag == nil {
			return nil, fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadServeConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v, err := bindFlags(cmd, flagDatabaseURL, flagStoreBackend, flagListenAddr, flagMetricsAddr, flagSlotTTL,
		flagStaleHoldMaxAgeHours, flagSweepInterval, flagTierLimits, flagDefaultTier, flagUserTiers, flagConflictAttempts)
	if err != nil {
		return err
	}
	cfg.DatabaseURL = v.GetString(flagDatabaseURL)
	cfg.StoreBackend = v.GetString(flagStoreBackend)
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.MetricsAddr = strings.TrimSpace(v.GetString(flagMetricsAddr))
	cfg.SlotTTL = v.GetDuration(flagSlotTTL)
	cfg.StaleHoldMaxAgeHours = v.GetInt(flagStaleHoldMaxAgeHours)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.TierLimits = v.GetString(flagTierLimits)
	cfg.DefaultTier = v.GetString(flagDefaultTier)
	cfg.UserTiers = v.GetString(flagUserTiers)
	cfg.ConflictAttempts = v.GetInt(flagConflictAttempts)
	return cfg.Validate()
}

func loadDatabaseConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v, err := bindFlags(cmd, flagDatabaseURL, flagStoreBackend)
	if err != nil {
		return err
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	return nil
}
