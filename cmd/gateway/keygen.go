package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
)

var (
	keygenJSON bool
	keygenSave bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <slug>",
	Short: "Generate an API key for a tenant",
	Long: `Generate a new API key for the tenant slug and print it with the hash the
admin store keeps. With --save the hash is written to the admin store; the
running gateway picks it up on the next directory reload.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenJSON, "json", false, "Output as JSON")
	keygenCmd.Flags().BoolVar(&keygenSave, "save", false, "Store the key hash in the admin store (requires DB_DRIVER)")
}

type keygenOutput struct {
	Slug   string `json:"slug"`
	APIKey string `json:"api_key"`
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
	Hash   string `json:"hash"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	loadEnv()
	plaintext, key, err := apikey.Issue(encryption.NewKeyHasher(), args[0])
	if err != nil {
		return err
	}

	if keygenSave {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.DatabaseDriver == "" {
			return fmt.Errorf("--save requires DB_DRIVER to be set")
		}
		ctx := context.Background()
		db, err := openStore(ctx, cfg, zap.NewNop())
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.CreateAPIKey(ctx, key); err != nil {
			return fmt.Errorf("failed to store key: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if keygenJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(keygenOutput{Slug: key.Slug, APIKey: plaintext, ID: key.ID, Prefix: key.Prefix, Hash: key.Hash})
	}
	fmt.Fprintf(out, "API key:    %s\n", plaintext)
	fmt.Fprintf(out, "Obfuscated: %s\n", obfuscate.Token(plaintext))
	fmt.Fprintf(out, "Prefix:     %s\n", key.Prefix)
	fmt.Fprintf(out, "Hash:       %s\n", key.Hash)
	if keygenSave {
		fmt.Fprintln(out, "Stored in the admin store.")
	}
	fmt.Fprintln(out, "The key is shown once; store it now.")
	return nil
}
