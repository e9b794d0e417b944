// ABOUTME: The init subcommand: an interactive wizard that writes a starter YAML config.
// ABOUTME: Generates a random JWT secret and validates the result by loading it back.

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/civic-desk/internal/config"
	"github.com/2389/civic-desk/internal/directory"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactively create a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), opts.resolvedConfig(), getDataPath())
		},
	}
}

// prompter reads answers line by line, falling back to defaults on empty input or EOF.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	input, err := p.in.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		fmt.Fprintln(p.out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) confirm(question, defaultVal string) bool {
	switch strings.ToLower(p.ask(question, defaultVal)) {
	case "y", "yes":
		return true
	}
	return false
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath, dataPath string) error {
	p := &prompter{in: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "civic-desk configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := p.ask("Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !p.confirm("File exists. Overwrite?", "no") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	cfg := config.Config{}
	cfg.Auth.JWTSecret = secret
	cfg.Auth.TokenTTLRaw = config.DefaultTokenTTL.String()

	fmt.Fprintln(out, "\n--- Server ---")
	cfg.Server.HTTPAddr = p.ask("HTTP address", "localhost:8080")
	cfg.Database.Path = p.ask("SQLite database path", filepath.Join(dataPath, "desk.db"))

	fmt.Fprintln(out, "\n--- Tailscale ---")
	if p.confirm("Enable Tailscale?", "no") {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = p.ask("Tailscale hostname", "civic-desk")
		cfg.Tailscale.AuthKey = p.ask("Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = p.confirm("Ephemeral node?", "no")
		cfg.Tailscale.HTTPS = p.confirm("Serve HTTPS on :443?", "no")
	}

	fmt.Fprintln(out, "\n--- First department ---")
	dept := directory.Department{
		ID:   p.ask("Department id", "general"),
		Name: p.ask("Department name", "General Services"),
	}
	if svc := p.ask("First service id (empty for none)", ""); svc != "" {
		dept.Services = append(dept.Services, directory.Service{ID: svc, Name: p.ask("Service name", svc)})
	}
	cfg.Departments = []directory.Department{dept}

	if agentID := p.ask("First agent id (empty to register later)", ""); agentID != "" {
		cfg.Agents = []config.AgentConfig{{
			ID:           agentID,
			Name:         p.ask("Agent name", agentID),
			DepartmentID: dept.ID,
		}}
	}

	cfg.Bot.Enabled = p.confirm("Enable the greeting bot?", "yes")

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = p.ask("Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = p.ask("Log format (text/json)", "text")

	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	body = append([]byte("# civic-desk configuration\n# Generated by civic-desk init\n\n"), body...)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret.
	if err := os.WriteFile(outputFile, body, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config does not load: %w", err)
	}
	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  civic-desk --config %s serve\n", outputFile)
	return nil
}
