package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/credits/internal/demoapi"
)

const (
	flagListenAddr        = "listen-addr"
	flagLedgerAddr        = "ledger-addr"
	flagLedgerInsecure    = "ledger-insecure"
	flagLedgerTimeout     = "ledger-timeout"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagJWTCookieName     = "jwt-cookie-name"
	flagTAuthBaseURL      = "tauth-base-url"
	flagWelcomeBonus      = "welcome-bonus"
	flagImageCost         = "image-cost"
	flagMaxImages         = "max-images"
	flagRequestsPerMinute = "requests-per-minute"
	flagRateBurst         = "rate-burst"
	envPrefix             = "DEMOAPI"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "demoapi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := demoapi.Config{}
	cmd := &cobra.Command{
		Use:           "demoapi",
		Short:         "HTTP façade billing image generations through creditd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return demoapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagLedgerAddr, "", "creditd gRPC address (required)")
	cmd.Flags().Bool(flagLedgerInsecure, false, "connect to creditd without TLS")
	cmd.Flags().Duration(flagLedgerTimeout, 0, "per-call creditd timeout (e.g. 3s)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagTAuthBaseURL, "", "base URL of TAuth")
	cmd.Flags().Int64(flagWelcomeBonus, 0, "credits granted when a wallet is bootstrapped")
	cmd.Flags().Int64(flagImageCost, 0, "credits charged per generated image")
	cmd.Flags().Int(flagMaxImages, 0, "largest batch a single generation may request")
	cmd.Flags().Int(flagRequestsPerMinute, 0, "sustained API requests per user per minute")
	cmd.Flags().Int(flagRateBurst, 0, "API request burst per user")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *demoapi.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagLedgerAddr, flagLedgerInsecure, flagLedgerTimeout, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagTAuthBaseURL,
		flagWelcomeBonus, flagImageCost, flagMaxImages, flagRequestsPerMinute, flagRateBurst,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagLedgerAddr) {
		return fmt.Errorf("%s is required", flagLedgerAddr)
	}
	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.LedgerAddress = strings.TrimSpace(v.GetString(flagLedgerAddr))
	cfg.LedgerInsecure = v.GetBool(flagLedgerInsecure)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	cfg.AllowedOrigins = demoapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.TAuthBaseURL = strings.TrimSpace(v.GetString(flagTAuthBaseURL))
	cfg.WelcomeBonus = v.GetInt64(flagWelcomeBonus)
	cfg.ImageCost = v.GetInt64(flagImageCost)
	cfg.MaxImages = v.GetInt(flagMaxImages)
	cfg.RequestsPerMinute = v.GetInt(flagRequestsPerMinute)
	cfg.RateBurst = v.GetInt(flagRateBurst)

	return cfg.Validate()
}
