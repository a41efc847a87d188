package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Curve-Labs/egregore-site-sub000/internal/client"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
)

var (
	shellURL string
	shellKey string
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive graph query shell",
	Long: `Run graph statements against a gateway with a tenant API key.
Statements end with ';' and may span lines. Directives:
  :param <name> <json>  set a query parameter
  :params               list parameters
  :clear                drop all parameters
  :quit                 leave the shell`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellURL, "url", config.EnvOrDefault("GATEWAY_URL", "http://localhost:8080"), "Gateway base URL")
	shellCmd.Flags().StringVar(&shellKey, "key", "", "Tenant API key (default: EGREGORE_API_KEY)")
}

func runShell(cmd *cobra.Command, args []string) error {
	loadEnv()
	key := shellKey
	if key == "" {
		key = os.Getenv("EGREGORE_API_KEY")
	}
	if key == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "API key: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		key = string(raw)
	}
	if key == "" {
		return fmt.Errorf("an API key is required (use --key or EGREGORE_API_KEY)")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "graph> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer func() { _ = rl.Close() }()

	sh := client.NewShell(client.NewQueryClient(shellURL, key), rl.Stdout())
	fmt.Fprintf(rl.Stdout(), "Connected to %s. End statements with ';', :quit to leave.\n", shellURL)

	ctx := cmd.Context()
	for {
		if sh.Pending() {
			rl.SetPrompt("   ... ")
		} else {
			rl.SetPrompt("graph> ")
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if sh.Pending() {
				sh.Reset()
				continue
			}
			return nil
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := sh.Handle(ctx, line)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}
