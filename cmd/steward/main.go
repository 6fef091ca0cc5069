package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidahmann/steward/internal/ledger"
	"github.com/davidahmann/steward/internal/policy"
)

const defaultServer = "http://localhost:8080"

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	cmd := newRootCommand(viper.New(), http.DefaultClient)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if len(args) == 0 {
		fmt.Fprint(stderr, cmd.UsageString())
		return 2
	}
	if err := cmd.Execute(); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// client talks to a running steward-gateway.
type client struct {
	v    *viper.Viper
	http *http.Client
}

func (c *client) do(method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	target := strings.TrimSuffix(c.v.GetString("server"), "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.v.GetString("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

func (c *client) print(cmd *cobra.Command, method, path string, query url.Values, body any) error {
	raw, err := c.do(method, path, query, body)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, _ = cmd.OutOrStdout().Write(raw)
		return nil
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(out.String()))
	return nil
}

func newRootCommand(v *viper.Viper, httpClient *http.Client) *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Operate a steward governance gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfgFile == "" {
				return nil
			}
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "CLI config file (server, token)")
	root.PersistentFlags().String("server", defaultServer, "gateway base URL")
	root.PersistentFlags().String("token", "", "bearer token")
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("token", root.PersistentFlags().Lookup("token"))
	v.SetEnvPrefix("STEWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	c := &client{v: v, http: httpClient}
	root.AddCommand(newApprovalsCommand(c), newLedgerCommand(c), newWeightCommand(c), newPolicyCommand())
	return root
}

func newApprovalsCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "Inspect and resolve pending approvals"}

	var tenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, tenantPath(tenant, "/approvals"), nil, nil)
		},
	}
	list.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = list.MarkFlagRequired("tenant")

	var getTenant string
	get := &cobra.Command{
		Use:   "get <request_id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodGet, tenantPath(getTenant, "/approvals/"+url.PathEscape(args[0])), nil, nil)
		},
	}
	get.Flags().StringVar(&getTenant, "tenant", "", "tenant id")
	_ = get.MarkFlagRequired("tenant")

	var outcome, argsJSON string
	resolve := &cobra.Command{
		Use:   "resolve <request_id>",
		Short: "Approve, reject, or modify a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"outcome": outcome}
			if argsJSON != "" {
				var modified map[string]any
				if err := json.Unmarshal([]byte(argsJSON), &modified); err != nil {
					return usageError{msg: fmt.Sprintf("--args must be a JSON object: %v", err)}
				}
				body["modified_arguments"] = modified
			}
			return c.print(cmd, http.MethodPost, "/v1/approvals/"+url.PathEscape(args[0])+"/resolve", nil, body)
		},
	}
	resolve.Flags().StringVar(&outcome, "outcome", "", "approved, rejected, or modified")
	resolve.Flags().StringVar(&argsJSON, "args", "", "replacement arguments as JSON (modified only)")
	_ = resolve.MarkFlagRequired("outcome")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approvals now (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodPost, "/v1/approvals/sweep", nil, nil)
		},
	}

	cmd.AddCommand(list, get, resolve, sweep)
	return cmd
}

type rangeFlags struct {
	tenant string
	agent  string
	from   string
	to     string
}

func (r *rangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.tenant, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&r.agent, "agent", "", "agent id")
	cmd.Flags().StringVar(&r.from, "from", "", "start time (RFC3339) or a duration like 24h meaning that long ago")
	cmd.Flags().StringVar(&r.to, "to", "", "end time (RFC3339)")
	_ = cmd.MarkFlagRequired("tenant")
}

func (r *rangeFlags) query(now time.Time) (url.Values, error) {
	q := url.Values{}
	if r.agent != "" {
		q.Set("agent_id", r.agent)
	}
	for key, raw := range map[string]string{"from": r.from, "to": r.to} {
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw, now)
		if err != nil {
			return nil, usageError{msg: fmt.Sprintf("--%s: %v", key, err)}
		}
		q.Set(key, ts.Format(time.RFC3339))
	}
	return q, nil
}

func parseTime(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func newLedgerCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Query the decision ledger"}

	var qr rangeFlags
	var capability, mode, decisionID string
	var limit int
	query := &cobra.Command{
		Use:   "query",
		Short: "List ledger records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := qr.query(time.Now())
			if err != nil {
				return err
			}
			if capability != "" {
				q.Set("capability", capability)
			}
			if mode != "" {
				q.Set("mode", mode)
			}
			if decisionID != "" {
				q.Set("decision_id", decisionID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return c.print(cmd, http.MethodGet, tenantPath(qr.tenant, "/ledger"), q, nil)
		},
	}
	qr.bind(query)
	query.Flags().StringVar(&capability, "capability", "", "capability name")
	query.Flags().StringVar(&mode, "mode", "", "execution mode")
	query.Flags().StringVar(&decisionID, "decision", "", "decision id")
	query.Flags().IntVar(&limit, "limit", 0, "max records")

	var cr rangeFlags
	cost := &cobra.Command{
		Use:   "cost",
		Short: "Summarize cost and tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := cr.query(time.Now())
			if err != nil {
				return err
			}
			return c.print(cmd, http.MethodGet, tenantPath(cr.tenant, "/cost"), q, nil)
		},
	}
	cr.bind(cost)

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay fallback records into the primary store (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodPost, "/v1/ledger/reconcile", nil, nil)
		},
	}

	var driver string
	migrations := &cobra.Command{
		Use:   "migrations",
		Short: "List the schema migrations this build applies, with checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, err := ledger.Migrations(ledger.DBDriver(driver))
			if err != nil {
				return usageError{msg: err.Error()}
			}
			for _, m := range steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Version, m.Checksum)
			}
			return nil
		},
	}
	migrations.Flags().StringVar(&driver, "driver", string(ledger.DBSQLite), "sqlite or postgres")

	cmd.AddCommand(query, cost, reconcile, migrations)
	return cmd
}

func newWeightCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{Use: "weight", Short: "Adjust capability migration weights"}
	set := &cobra.Command{
		Use:   "set <capability> <0-100>",
		Short: "Set a capability's migration weight (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := strconv.Atoi(args[1])
			if err != nil || w < 0 || w > 100 {
				return usageError{msg: fmt.Sprintf("weight must be an integer in [0,100], got %q", args[1])}
			}
			return c.print(cmd, http.MethodPut, "/v1/capabilities/"+url.PathEscape(args[0])+"/weight", nil, map[string]int{"migration_weight": w})
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Work with policy files"}
	check := &cobra.Command{
		Use:     "check <policy_path>",
		Aliases: []string{"lint"},
		Short:   "Validate a policy file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok policy_id=%s policy_version=%s policy_hash=%s capabilities=%d\n",
				loaded.Policy.PolicyID, loaded.Policy.PolicyVersion, loaded.Hash, len(loaded.Policy.Capabilities))
			return nil
		},
	}
	cmd.AddCommand(check)
	return cmd
}

func tenantPath(tenant, suffix string) string {
	return "/v1/tenants/" + url.PathEscape(tenant) + suffix
}
