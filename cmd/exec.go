package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shellbroker/internal/config"
	"shellbroker/internal/orchestrator"
	"shellbroker/internal/outputfilter"
	"shellbroker/internal/registry"
	"shellbroker/internal/shellsession"
)

var execCmd = &cobra.Command{
	Use:   "exec -- <command...>",
	Short: "Run one command on the configured host and print its output",
	Long: `exec dials the configured host, runs a single command through the
same orchestrator serve uses, waits for it to finish (or time out), and
prints the filtered output -- useful for smoke-testing a host/config
pair without standing up the HTTP server.`,
	DisableFlagParsing: true,
	RunE:               runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	args, timeout := parseExecFlags(args)

	if len(args) == 0 {
		return fmt.Errorf("usage: shellbroker exec [--timeout N] -- <command...>")
	}
	command := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shell, err := shellsession.NewSSHRemoteShell(shellsession.SSHConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		User:           cfg.Username,
		PrivateKeyPath: cfg.PrivateKey,
		Password:       cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s@%s: %w", cfg.Username, cfg.Host, err)
	}

	session, err := shellsession.Open(shell)
	if err != nil {
		return fmt.Errorf("failed to open shell session: %w", err)
	}
	defer session.Close()

	reg := registry.New(cfg.MaxHistory, cfg.BufferMaxBytes)
	orc := orchestrator.New(session, cfg.Host, cfg.Username, orchestrator.Config{
		DefaultTimeout: timeout,
		MaxTimeout:     timeout,
		Policy:         outputfilter.DefaultPolicy(),
	}, reg)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orc.Run(runCtx)
	}()

	res, err := orc.Execute(runCtx, orchestrator.ExecuteRequest{Command: command, Timeout: timeout})
	if err != nil {
		return err
	}

	fmt.Printf("status: %s\n", res.Status)
	if res.Payload != nil {
		fmt.Print(res.Payload.Text)
	}

	session.Close()
	cancel()
	<-runDone

	if res.Status != orchestrator.ResultCompleted {
		os.Exit(1)
	}
	return nil
}

func parseExecFlags(args []string) ([]string, time.Duration) {
	timeout := 30 * time.Second
	for i := 0; i < len(args); i++ {
		if args[i] == "--timeout" && i+1 < len(args) {
			if secs, err := time.ParseDuration(args[i+1] + "s"); err == nil {
				timeout = secs
			}
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if args[i] == "--" {
			args = args[i+1:]
			break
		}
	}
	return args, timeout
}
