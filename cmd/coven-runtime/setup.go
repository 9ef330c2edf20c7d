// ABOUTME: Local setup commands: starter config, JWT minting and static token hashing
// ABOUTME: These read the config file directly and never contact a running server

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/config"
)

func randomString(n int, encode func([]byte) string) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return encode(b), nil
}

func runToken(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file")
	subject := fs.String("subject", "operator", "token subject")
	scopes := fs.String("scopes", auth.ScopeAdmin, "comma-separated scopes ("+strings.Join(auth.AllScopes, ", ")+")")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	save := fs.Bool("save", false, "write the token where remote commands read it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := config.ResolvePath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return errors.New("at least one scope is required")
	}

	jv, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT validator: %w", err)
	}
	token, err := jv.Generate(*subject, list, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !*save {
		fmt.Println(token)
		return nil
	}

	path := tokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Saved token for %s (%s), expires %s: %s\n",
		*subject, strings.Join(list, " "), time.Now().Add(*ttl).Format("Jan 02, 2006"), path)
	return nil
}

func runHashToken(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "subject for the config snippet")
	scopes := fs.String("scopes", auth.ScopeAdmin, "comma-separated scopes for the config snippet")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token := fs.Arg(0)
	generated := token == ""
	if generated {
		var err error
		if token, err = randomString(32, hex.EncodeToString); err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		return err
	}

	if generated {
		yellow := color.New(color.FgYellow)
		yellow.Print("token: ")
		fmt.Println(token)
		color.New(color.FgHiBlack).Println("(shown once; store it now)")
		fmt.Println()
	}
	fmt.Println("auth:")
	fmt.Println("  tokens:")
	fmt.Printf("    - subject: %q\n", *subject)
	fmt.Printf("      hash: %q\n", hash)
	fmt.Printf("      scopes: [%s]\n", strings.Join(strings.Split(*scopes, ","), ", "))
	return nil
}

func runInit(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-runtime configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.ResolvePath(*configFlag))
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "127.0.0.1:50051")
	dbPath := prompt(reader, "SQLite database path", "coven-runtime.db")

	fmt.Println("\n--- Agents ---")
	portMin := prompt(reader, "Agent port range start", "9100")
	portMax := prompt(reader, "Agent port range end", "9199")
	agentName := prompt(reader, "First agent name", "echo")
	agentCmd := prompt(reader, "First agent command", "fake-agent")

	fmt.Println("\n--- Auth ---")
	var secret string
	if yes(prompt(reader, "Generate a JWT secret?", "yes")) {
		var err error
		if secret, err = randomString(32, base64.StdEncoding.EncodeToString); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-runtime configuration\n")
	cfg.WriteString("# Generated by coven-runtime init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", grpcAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if secret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", secret)
	}

	cfg.WriteString("orchestrator:\n")
	fmt.Fprintf(&cfg, "  port_min: %s\n", portMin)
	fmt.Fprintf(&cfg, "  port_max: %s\n", portMax)
	cfg.WriteString("  health_interval: \"10s\"\n")
	cfg.WriteString("  restart_ceiling: 5\n")
	cfg.WriteString("  restart_window: \"10m\"\n\n")

	cfg.WriteString("reconciler:\n")
	cfg.WriteString("  schedule: \"@every 30s\"\n\n")

	cfg.WriteString("agents:\n")
	fmt.Fprintf(&cfg, "  - name: %q\n", agentName)
	fmt.Fprintf(&cfg, "    command: %q\n", agentCmd)
	cfg.WriteString("    args: [\"-port\", \"{port}\"]\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the runtime:")
	fmt.Printf("  coven-runtime serve -config %s\n", outputFile)
	if secret != "" {
		fmt.Println("\nTo authenticate the CLI:")
		fmt.Printf("  coven-runtime token -config %s -save\n", outputFile)
	}
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
