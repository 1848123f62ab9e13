package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kinderboard/relay/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kinderboard",
	Short: "Kinder Board session relay",
	Long: `Kinder Board relays the web client's session through encrypted, HttpOnly
cookies and renews its auto-login window.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file")
}

// loadConfig reads the config file and environment, then applies any flag
// the user set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setString("env", &cfg.Env)
	setString("addr", &cfg.Addr)
	setString("log-level", &cfg.LogLevel)
	setString("path-prefix", &cfg.PathPrefix)
	setString("secret", &cfg.Secret)
	setString("secret-file", &cfg.SecretFile)
	setString("audit-backend", &cfg.Audit.Backend)
	setString("audit-path", &cfg.Audit.Path)
	setString("audit-postgres-dsn", &cfg.Audit.PostgresDSN)
	setString("nats-url", &cfg.Broadcast.NATSURL)
	setString("tls-cert", &cfg.TLS.Cert)
	setString("tls-key", &cfg.TLS.Key)
	if flags.Lookup("csrf") != nil && flags.Changed("csrf") {
		cfg.CSRF, _ = flags.GetBool("csrf")
	}
	if flags.Lookup("trusted-proxies") != nil && flags.Changed("trusted-proxies") {
		cfg.TrustedProxies, _ = flags.GetStringSlice("trusted-proxies")
	}
	return cfg, nil
}
