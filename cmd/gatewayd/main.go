// Command gatewayd runs the clawchat gateway daemon: the identity manager,
// message router, delivery engine, IPC control plane, and the optional
// metrics/WebSocket endpoints of spec §5, all under one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alexrudloff/clawchat/gateway"
	"github.com/alexrudloff/clawchat/gateway/config"
	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/internal/logger"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:   "gatewayd",
	Short: "clawchat gateway daemon",
	Long: `gatewayd runs the clawchat gateway: it loads the identities named in
gateway-config.json, accepts SNaP2P connections from peers, and exposes the
IPC control plane local clients use to send and receive messages.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "gateway root directory (holds gateway-config.json, identities/, clawchat.sock)")
	rootCmd.AddCommand(startCmd, statusCmd, stopCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the gateway daemon in the foreground",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return err
	}

	log := logger.NewDefaultLogger()
	if lvl, ok := parseLevel(cfg.LogLevel); ok {
		log.SetLevel(lvl)
	}

	passphrases, err := collectPassphrases(cfg)
	if err != nil {
		return err
	}

	daemon := gateway.New(rootDir, cfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx, passphrases); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	daemon.Stop()
	return nil
}

// collectPassphrases gathers one passphrase per autoloaded identity, first
// from a CLAWGATE_PASSPHRASE_<sanitized principal> environment variable and
// falling back to an interactive terminal prompt.
func collectPassphrases(cfg *config.Config) (map[string]string, error) {
	out := make(map[string]string, len(cfg.Identities))
	for _, id := range cfg.Identities {
		if !id.Autoload {
			continue
		}
		envKey := "CLAWGATE_PASSPHRASE_" + strings.ToUpper(identity.SanitizePrincipal(id.Principal))
		if v, ok := os.LookupEnv(envKey); ok {
			out[id.Principal] = v
			continue
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("no passphrase for %s: set %s or run interactively", id.Principal, envKey)
		}
		fmt.Fprintf(os.Stderr, "passphrase for %s: ", id.Principal)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase for %s: %w", id.Principal, err)
		}
		out[id.Principal] = string(raw)
	}
	return out, nil
}

func parseLevel(s string) (logger.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel, true
	case "info":
		return logger.InfoLevel, true
	case "warn", "warning":
		return logger.WarnLevel, true
	case "error":
		return logger.ErrorLevel, true
	case "fatal":
		return logger.FatalLevel, true
	default:
		return 0, false
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report whether a gateway daemon is running at --root",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	pid, err := gateway.ReadPID(rootDir)
	if err != nil {
		fmt.Println("not running")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		fmt.Printf("stale pid file (pid %d not running)\n", pid)
		return nil
	}
	fmt.Printf("running (pid %d)\n", pid)
	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop a running gateway daemon at --root",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := gateway.ReadPID(rootDir)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}
