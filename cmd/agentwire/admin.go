package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/agentwire/internal/adapter/postgres"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/secrets"
	"github.com/Strob0t/agentwire/internal/security"
)

// runAdmin dispatches admin subcommands (mint-token, list-agents, migrate).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "mint-token":
		return runAdminMintToken(args[1:])
	case "list-agents":
		return runAdminListAgents(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agentwire admin <command> [options]

Commands:
  mint-token    Mint an HS256 identity or capability token (development only)
  list-agents   List registered agents and their leases
  migrate       Apply, roll back or show database migrations
  help          Show this help message

Examples:
  agentwire admin mint-token --sub cmo-1 --tenant wesign --project qa --ttl 1h
  agentwire admin mint-token --kind capability --sub cmo-1 --grant 'specialist.invoke:*'
  agentwire admin list-agents
  agentwire admin migrate --down 1
`)
}

func runAdminMintToken(args []string) error {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	kind := fs.String("kind", "identity", `token kind: "identity" or "capability"`)
	sub := fs.String("sub", "", "subject, normally the agent id (required)")
	tenant := fs.String("tenant", "", "tenant claim (identity)")
	project := fs.String("project", "", "project claim (identity)")
	scopes := fs.String("scopes", "", "comma separated scopes (identity)")
	grant := fs.String("grant", "", "granted capability, e.g. specialist.invoke:test_selection (capability)")
	resource := fs.String("resource", "", "resource the grant is limited to (capability)")
	issuer := fs.String("issuer", "agentwire", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *sub == "" {
		return fmt.Errorf("--sub is required")
	}

	secret, err := tokenSecret()
	if err != nil {
		return err
	}
	iss := security.NewHS256Issuer([]byte(secret), *issuer, *audience)

	var token string
	switch *kind {
	case "identity":
		if *tenant == "" || *project == "" {
			return fmt.Errorf("--tenant and --project are required for identity tokens")
		}
		token, err = iss.Identity(*sub, *tenant, *project, splitList(*scopes), *ttl)
	case "capability":
		if *grant == "" {
			return fmt.Errorf("--grant is required for capability tokens")
		}
		token, err = iss.Capability(*sub, *grant, *resource, *ttl)
	default:
		return fmt.Errorf("unknown token kind %q", *kind)
	}
	if err != nil {
		return fmt.Errorf("mint %s token: %w", *kind, err)
	}

	fmt.Println(token)
	return nil
}

// tokenSecret reads the signing secret from the environment, or prompts
// for it when stdin is a terminal.
func tokenSecret() (string, error) {
	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.TokenIssuerSecretKey))
	if err != nil {
		return "", err
	}
	if s := vault.Get(secrets.TokenIssuerSecretKey); s != "" {
		return s, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) { //nolint:unconvert // int conversion needed on some platforms
		return "", fmt.Errorf("%s is not set", secrets.TokenIssuerSecretKey)
	}
	s, err := promptSecret("Signing secret: ")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if s == "" {
		return "", fmt.Errorf("signing secret must not be empty")
	}
	return s, nil
}

func runAdminListAgents(args []string) error {
	fs := flag.NewFlagSet("list-agents", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	agents, err := postgres.NewStore(pool).ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tVERSION\tTENANT\tPROJECT\tSTATUS\tLEASE\tCAPABILITIES")
	for i := range agents {
		a := &agents[i]
		lease := "expired"
		if !a.Expired(now) {
			lease = a.LeaseUntil.Sub(now).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.AgentID, a.Type, a.Version, a.Tenant, a.Project, a.Status, lease, strings.Join(a.Capabilities, ","))
	}
	return w.Flush()
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations instead of applying")
	status := fs.Bool("status", false, "print the current schema version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	dsn := cfg.Postgres.DSN
	switch {
	case *status:
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, dsn, *down); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	default:
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	version, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Schema version: %d\n", version)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// promptSecret reads a secret from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
