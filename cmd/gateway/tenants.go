package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/admin"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

var (
	tenantsJSON     bool
	adminURL        string
	managementToken string
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Inspect and manage the tenant directory",
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants from the environment and the admin store",
	Long:  `Load the tenant directory the way the server does and print it with secrets obfuscated.`,
	RunE:  runTenantsList,
}

var tenantsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running gateway to reload its directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClient()
		if err != nil {
			return err
		}
		res, err := client.Reload(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Directory reloaded: version %d, %d tenants\n", res.Version, res.Tenants)
		return nil
	},
}

var tenantsIssueKeyCmd = &cobra.Command{
	Use:   "issue-key <slug>",
	Short: "Issue a new API key through a running gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClient()
		if err != nil {
			return err
		}
		issued, err := client.IssueKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\nPrefix:  %s\n", issued.APIKey, issued.Prefix)
		return nil
	},
}

func init() {
	tenantsListCmd.Flags().BoolVar(&tenantsJSON, "json", false, "Output as JSON")
	for _, c := range []*cobra.Command{tenantsReloadCmd, tenantsIssueKeyCmd} {
		c.Flags().StringVar(&adminURL, "admin-url", config.EnvOrDefault("ADMIN_URL", "http://localhost:8081"), "Base URL of the operator API")
		c.Flags().StringVar(&managementToken, "management-token", "", "Management token (overrides MANAGEMENT_TOKEN)")
	}
}

func adminClient() (*admin.APIClient, error) {
	loadEnv()
	tok := managementToken
	if tok == "" {
		tok = config.EnvOrDefault("MANAGEMENT_TOKEN", "")
	}
	if tok == "" {
		return nil, fmt.Errorf("management token is required (set MANAGEMENT_TOKEN env or use --management-token)")
	}
	return admin.NewAPIClient(adminURL, tok), nil
}

func runTenantsList(cmd *cobra.Command, args []string) error {
	loadEnv()
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}
	// Hashes built here are never stored.
	hasher, err := encryption.NewKeyHasherWithCost(4)
	if err != nil {
		return err
	}
	dir, err := buildDirectory(ctx, store, hasher, nil)
	if err != nil {
		return err
	}
	return printTenants(cmd.OutOrStdout(), dir.Snapshot(), tenantsJSON)
}

type tenantRow struct {
	Slug          string `json:"slug"`
	OrgName       string `json:"org_name"`
	GitHubOrg     string `json:"github_org"`
	MemoryRepo    string `json:"memory_repo,omitempty"`
	Neo4jHost     string `json:"neo4j_host"`
	Neo4jPassword string `json:"neo4j_password"`
	Messaging     bool   `json:"messaging"`
	Keys          int    `json:"active_keys"`
}

func printTenants(w io.Writer, snap *tenant.Snapshot, asJSON bool) error {
	tenants := snap.List()
	rows := make([]tenantRow, 0, len(tenants))
	for _, t := range tenants {
		active := 0
		for _, k := range snap.Keys(t.Slug) {
			if k.Active() {
				active++
			}
		}
		rows = append(rows, tenantRow{
			Slug:          t.Slug,
			OrgName:       t.OrgName,
			GitHubOrg:     t.GitHubOrg,
			MemoryRepo:    t.MemoryRepo,
			Neo4jHost:     t.Neo4jHost,
			Neo4jPassword: obfuscate.Secret(t.Neo4jPassword),
			Messaging:     t.HasMessaging(),
			Keys:          active,
		})
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tORG\tGITHUB\tGRAPH HOST\tPASSWORD\tMESSAGING\tKEYS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%d\n", r.Slug, r.OrgName, r.GitHubOrg, r.Neo4jHost, r.Neo4jPassword, r.Messaging, r.Keys)
	}
	return tw.Flush()
}
