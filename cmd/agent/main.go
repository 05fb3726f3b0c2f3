package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tallyhq/tally/internal/client"
	"github.com/tallyhq/tally/internal/client/config"
	"github.com/tallyhq/tally/internal/utils"
	"github.com/tallyhq/tally/internal/version"
)

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "tally-agent",
	Short:   "Tally offline sync agent",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &config.Config{
			Path:         viper.ConfigFileUsed(),
			Email:        viper.GetString("email"),
			DataDir:      viper.GetString("data_dir"),
			ServerURL:    viper.GetString("server_url"),
			ClientURL:    viper.GetString("client_url"),
			RefreshToken: viper.GetString("refresh_token"),
			ClientToken:  viper.GetString("client_token"),
		}
		if cfg.ClientURL == "" {
			cfg.ClientURL = config.DefaultClientURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		addr, err := bindAddr(cfg.ClientURL)
		if err != nil {
			return err
		}

		daemon, err := client.NewClientDaemon(&client.DaemonConfig{
			Client: cfg,
			ControlPlane: &client.ControlPlaneConfig{
				Addr:           addr,
				AuthToken:      cfg.ClientToken,
				AllowedOrigins: []string{cfg.ServerURL},
			},
		})
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		if err := daemon.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("email", "e", "", "Email of the Tally account")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Agent data directory")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "Tally server URL")
	rootCmd.Flags().StringP("http-token", "t", "", "Access token for the local control plane")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Agent config file")
}

func main() {
	// a .env next to the binary is handy in dev, ignore when absent
	_ = godotenv.Load()

	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	handlers := []slog.Handler{stdoutHandler}

	logFile := filepath.Join(home, ".tally", "logs", "agent.log")
	if err := utils.EnsureParent(logFile); err == nil {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644); err == nil {
			handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		}
	}

	slog.SetDefault(slog.New(utils.NewFanoutHandler(handlers...)))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".tally"))
		viper.AddConfigPath(filepath.Join(home, ".config/tally"))
		viper.SetConfigName("config")
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("email", cmd.Flags().Lookup("email"))
	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))
	viper.BindPFlag("client_token", cmd.Flags().Lookup("http-token"))

	viper.SetEnvPrefix("TALLY")
	viper.AutomaticEnv()

	return nil
}

// bindAddr extracts host:port from the configured client URL.
func bindAddr(clientURL string) (string, error) {
	u, err := url.Parse(clientURL)
	if err != nil {
		return "", fmt.Errorf("invalid client url %q: %w", clientURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid client url %q: missing host", clientURL)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":7938"
	}
	return host, nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).
		Printf("%s %s\n", version.AppName, version.Short())
}
