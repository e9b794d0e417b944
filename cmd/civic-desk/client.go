// ABOUTME: Operator subcommands that talk to a running server or mint credentials locally.
// ABOUTME: health probes /health and /health/ready; token signs staff JWTs; queues prints waiting lists.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/config"
	"github.com/2389/civic-desk/internal/desk"
)

const clientTimeout = 10 * time.Second

// baseURL picks the server address: an explicit --addr wins over the config.
func baseURL(addr string, cfg *config.Config) string {
	if addr == "" {
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func get(ctx context.Context, url, bearer string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's liveness and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.resolvedConfig())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), baseURL(addr, cfg))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default server.http_addr)")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, base string) error {
	status, _, err := get(ctx, base+"/health", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	status, body, err := get(ctx, base+"/health/ready", "")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	if status != http.StatusOK {
		color.New(color.FgYellow).Fprintf(out, "alive, not ready: %s\n", strings.TrimSpace(string(body)))
		return nil
	}
	color.New(color.FgGreen).Fprintf(out, "healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}

type tokenOptions struct {
	subject string
	name    string
	role    string
	dept    string
	ttl     time.Duration
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var to tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for an agent or administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.resolvedConfig())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&to.subject, "subject", "", "agent id or admin name (required)")
	cmd.Flags().StringVar(&to.name, "name", "", "display name")
	cmd.Flags().StringVar(&to.role, "role", string(auth.RoleAgent), "agent or admin")
	cmd.Flags().StringVar(&to.dept, "dept", "", "department id carried in the token")
	cmd.Flags().DurationVar(&to.ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func mintToken(cfg *config.Config, to tokenOptions) (string, error) {
	role := auth.Role(to.role)
	if role != auth.RoleAgent && role != auth.RoleAdmin {
		return "", fmt.Errorf("role must be %q or %q", auth.RoleAgent, auth.RoleAdmin)
	}
	if role == auth.RoleAgent && to.dept == "" {
		for _, a := range cfg.Agents {
			if a.ID == to.subject {
				to.dept = a.DepartmentID
				break
			}
		}
	}
	ttl := to.ttl
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(auth.Identity{
		Subject:      to.subject,
		Name:         to.name,
		Role:         role,
		DepartmentID: to.dept,
	}, ttl)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

func newQueuesCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show waiting lists on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.resolvedConfig())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg, tokenOptions{subject: "civic-desk-cli", role: string(auth.RoleAdmin), ttl: time.Minute})
			if err != nil {
				return err
			}
			status, body, err := get(cmd.Context(), baseURL(addr, cfg)+"/api/queues", token)
			if err != nil {
				return fmt.Errorf("fetching queues: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("fetching queues: status %d: %s", status, strings.TrimSpace(string(body)))
			}
			var resp struct {
				Queues []desk.QueueView `json:"queues"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding queues: %w", err)
			}
			return printQueues(cmd.OutOrStdout(), resp.Queues)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default server.http_addr)")
	return cmd
}

func printQueues(out io.Writer, queues []desk.QueueView) error {
	if len(queues) == 0 {
		fmt.Fprintln(out, "no conversations waiting")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPARTMENT\tSERVICE\tPOS\tCONVERSATION\tWAITING\tESTIMATE")
	now := time.Now()
	for _, q := range queues {
		dept, svc := q.Key.DepartmentID, q.Key.ServiceID
		if dept == "" {
			dept = "-"
		}
		if svc == "" {
			svc = "-"
		}
		for _, e := range q.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				dept, svc, e.Position, e.ConversationID,
				now.Sub(e.WaitingSince).Round(time.Second),
				e.EstimatedWait.Round(time.Second))
		}
	}
	return tw.Flush()
}
