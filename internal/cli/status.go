package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/core/config"
	"github.com/vietddude/genrelay/internal/infra/storage/sqldb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored credential pool without a running server",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.Driver == "memory" {
		slog.Error("status reads persisted state; the configured driver is memory")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqldb.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	creds, err := sqldb.NewCredentialRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list credentials", "error", err)
		os.Exit(1)
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tLABEL\tSECRET\tACTIVE\tREQUESTS\tERRORS\tLAST USED\tCOOLDOWN")

	for _, c := range creds {
		lastUsed := "-"
		if c.LastUsedAt != nil {
			lastUsed = c.LastUsedAt.Local().Format(time.DateTime)
		}
		cooldown := "-"
		if c.CoolingDown(now) {
			cooldown = c.CooldownUntil.Sub(now).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
			c.ID, c.Label, c.MaskedSecret(), c.Active, c.RequestCount, c.ErrorCount, lastUsed, cooldown)
	}
	_ = w.Flush()
}
