// Command egregore-gateway runs the multi-tenant graph gateway and its
// operator tooling.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
)

// For testing
var (
	osExit = os.Exit
)

// Global flags
var (
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "egregore-gateway",
	Short: "Multi-tenant graph gateway",
	Long: `egregore-gateway authenticates tenant API keys, confines graph queries to
the calling tenant and runs the onboarding flows that create new tenants.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", config.EnvOrDefault("ENV_FILE", ".env"), "Path to .env file")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	tenantsCmd.AddCommand(tenantsListCmd, tenantsReloadCmd, tenantsIssueKeyCmd)
	rootCmd.AddCommand(serverCmd, keygenCmd, migrateCmd, tenantsCmd, shellCmd)
}

// loadEnv loads the .env file when it exists. Variables already present
// in the environment win.
func loadEnv() {
	if envFile == "" {
		return
	}
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Printf("Warning: Error loading %s file: %v", envFile, err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}
