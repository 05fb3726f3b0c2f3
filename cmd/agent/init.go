package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/client/config"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var email string
	var dataDir string
	var serverURL string
	var refreshToken string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the agent config file",
		Run: func(cmd *cobra.Command, args []string) {
			if cfg, err := config.Load(config.DefaultConfigPath); err == nil {
				fmt.Println("Tally agent already initialized")
				printConfig(cfg)
				os.Exit(0)
			}

			if email == "" {
				fmt.Printf("%s: %s\n", red("ERROR"), "email is required")
				os.Exit(1)
			}

			cfg := &config.Config{
				Email:        email,
				DataDir:      dataDir,
				ServerURL:    serverURL,
				ClientURL:    config.DefaultClientURL,
				RefreshToken: refreshToken,
				Path:         config.DefaultConfigPath,
			}

			if err := cfg.Validate(); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}

			if err := cfg.Save(); err != nil {
				fmt.Printf("%s: %s\n", red("ERROR"), err)
				os.Exit(1)
			}

			fmt.Println("Tally agent initialized")
			printConfig(cfg)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", config.DefaultDataDir, "data directory")
	cmd.Flags().StringVarP(&serverURL, "server-url", "u", config.DefaultServerURL, "server URL")
	cmd.Flags().StringVarP(&refreshToken, "refresh-token", "r", "", "refresh token issued by the server")

	return cmd
}

func printConfig(cfg *config.Config) {
	fmt.Printf("Config Path: %s\n", green(cfg.Path))
	fmt.Printf("Email:       %s\n", cyan(cfg.Email))
	fmt.Printf("Data Dir:    %s\n", cyan(cfg.DataDir))
	fmt.Printf("Server:      %s\n", cyan(cfg.ServerURL))
}
