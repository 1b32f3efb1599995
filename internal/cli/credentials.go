package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	credSecret string
	credLabel  string
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage the running relay's credential pool",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials with usage and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Credentials []credentialRow `json:"credentials"`
			Active      int             `json:"active"`
		}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodGet, "/credentials", nil, &out); err != nil {
			return err
		}
		printCredentials(os.Stdout, out.Credentials)
		_, _ = fmt.Fprintf(os.Stdout, "\n%d of %d active\n", out.Active, len(out.Credentials))
		return nil
	},
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a credential to the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		if credSecret == "" {
			credSecret = os.Getenv("GENRELAY_SECRET")
		}
		if credSecret == "" {
			return fmt.Errorf("--secret or GENRELAY_SECRET is required")
		}
		var added credentialRow
		body := map[string]string{"secret": credSecret, "label": credLabel}
		if err := newAPIClient(serverURL).do(cmd.Context(), http.MethodPost, "/credentials", body, &added); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "added %s (%s)\n", added.ID, added.Secret)
		return nil
	},
}

var credentialsRetireCmd = &cobra.Command{
	Use:   "retire <id>",
	Short: "Retire a credential permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := newAPIClient(serverURL).do(ctx, http.MethodPost, "/credentials/"+args[0]+"/retire", nil, nil); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "retired %s\n", args[0])
		return nil
	},
}

func init() {
	credentialsAddCmd.Flags().StringVar(&credSecret, "secret", "", "credential secret (or GENRELAY_SECRET)")
	credentialsAddCmd.Flags().StringVar(&credLabel, "label", "", "human readable label")
	credentialsCmd.AddCommand(credentialsListCmd, credentialsAddCmd, credentialsRetireCmd)
	rootCmd.AddCommand(credentialsCmd)
}

type credentialRow struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	Secret       string     `json:"secret"`
	Active       bool       `json:"active"`
	CoolingDown  bool       `json:"cooling_down"`
	LastUsedAt   *time.Time `json:"last_used_at"`
	RequestCount int64      `json:"request_count"`
	ErrorCount   int64      `json:"error_count"`
	Upstream     *struct {
		Status string `json:"status"`
	} `json:"upstream"`
}

func (r credentialRow) state() string {
	switch {
	case !r.Active:
		return "retired"
	case r.CoolingDown:
		return "cooldown"
	case r.Upstream != nil:
		return r.Upstream.Status
	default:
		return "active"
	}
}

func printCredentials(out io.Writer, rows []credentialRow) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLABEL\tSECRET\tSTATE\tREQUESTS\tERRORS\tLAST USED")
	for _, r := range rows {
		lastUsed := "-"
		if r.LastUsedAt != nil {
			lastUsed = r.LastUsedAt.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Label, r.Secret, r.state(), r.RequestCount, r.ErrorCount, lastUsed)
	}
	_ = w.Flush()
}
