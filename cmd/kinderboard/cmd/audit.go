package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinderboard/relay/api"
	"github.com/kinderboard/relay/config"
	"github.com/kinderboard/relay/storage"
	bboltstorage "github.com/kinderboard/relay/storage/bbolt"
	"github.com/kinderboard/relay/storage/memory"
	"github.com/kinderboard/relay/storage/postgres"
)

var (
	auditEvent  string
	auditLimit  int
	auditAsJSON bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail tools",
	Long:  `Commands for inspecting the persisted session audit trail.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Audit.Backend == config.AuditNone || cfg.Audit.Backend == config.AuditMemory {
			return fmt.Errorf("audit backend %q keeps nothing to list; use bbolt or postgres", cfg.Audit.Backend)
		}
		repo, err := openAuditRepository(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer repo.Close()

		entries, err := api.ListAuditEntries(cmd.Context(), repo, api.AuditEvent(auditEvent), auditLimit)
		if err != nil {
			return err
		}
		if auditAsJSON {
			return writeAuditJSON(cmd.OutOrStdout(), entries)
		}
		return writeAuditTable(cmd.OutOrStdout(), entries)
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Only show entries of this event type")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum entries to show (0 for all)")
	auditListCmd.Flags().BoolVar(&auditAsJSON, "json", false, "Print entries as JSON")
	auditListCmd.Flags().String("audit-backend", "", "Audit backend (overrides config)")
	auditListCmd.Flags().String("audit-path", "", "bbolt file (overrides config)")
	auditListCmd.Flags().String("audit-postgres-dsn", "", "Postgres DSN (overrides config)")
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}

// openAuditRepository opens the configured audit backend. It returns nil
// for the "none" backend.
func openAuditRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Audit.Backend {
	case config.AuditNone:
		return nil, nil
	case config.AuditMemory:
		return memory.NewRepository(), nil
	case config.AuditBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Audit.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit storage: %w", err)
		}
		return repo, nil
	case config.AuditPostgres:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit storage: %w", err)
		}
		return repo, nil
	default:
		return nil, errors.New("unknown audit backend " + cfg.Audit.Backend)
	}
}

func writeAuditJSON(w io.Writer, entries []api.AuditEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeAuditTable(w io.Writer, entries []api.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tREMOTE\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Event,
			e.RemoteAddr,
			formatAttrs(e.Attrs),
		)
	}
	return tw.Flush()
}

func formatAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, " ")
}
