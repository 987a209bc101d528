package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"shellbroker/internal/config"
	"shellbroker/internal/shellsession"
	"shellbroker/internal/util"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a raw interactive session against the configured host, bypassing the broker",
	Long: `connect dials the host named in shellbroker.yaml and bridges the local
terminal directly to it in raw mode, with no command registry, fan-out
bus, or viewer gateway in the loop. It exists to smoke-test a host's
reachability and credentials the same way a plain ssh client would.`,
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
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

	restore, err := util.EnableRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to enable raw mode: %w", err)
	}
	defer restore()

	fmt.Fprintf(os.Stderr, "connected to %s@%s (ctrl-] to detach)\r\n", cfg.Username, cfg.Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for chunk := range session.RawOutput() {
			os.Stdout.Write(chunk)
		}
	}()

	reader := bufio.NewReader(os.Stdin)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if i := indexByte(buf[:n], 0x1d); i >= 0 {
				session.Type(buf[:i])
				break
			}
			if werr := session.Type(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "\r\nread error: %v\r\n", err)
			}
			break
		}
	}

	session.Close()
	<-done
	return nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
