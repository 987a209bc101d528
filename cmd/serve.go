package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"shellbroker/internal/config"
	"shellbroker/internal/orchestrator"
	"shellbroker/internal/outputfilter"
	"shellbroker/internal/registry"
	"shellbroker/internal/shellsession"
	"shellbroker/internal/toolprotocol"
	"shellbroker/internal/transcript"
	"shellbroker/internal/viewergateway"
)

var serveInsecureSkipOriginCheck bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the remote shell and serve the agent and viewer endpoints",
	Long: `serve reads shellbroker.yaml, dials the configured remote host over
SSH, and exposes two endpoints: a set of JSON tool-call handlers for an AI
agent and a WebSocket endpoint browser viewers can attach to for a live
view of the same shell.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveInsecureSkipOriginCheck, "insecure-skip-origin-check", false,
		"skip the WebSocket Origin check (local/dev use only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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
		return fmt.Errorf("failed to dial remote host: %w", err)
	}

	session, err := shellsession.Open(shell)
	if err != nil {
		return fmt.Errorf("failed to open shell session: %w", err)
	}

	reg := registry.New(cfg.MaxHistory, cfg.BufferMaxBytes)

	if cfg.TranscriptPath != "" {
		archiver, err := transcript.Open(cfg.TranscriptPath)
		if err != nil {
			return fmt.Errorf("failed to open transcript archive: %w", err)
		}
		defer archiver.Close()
		reg.SetOnEvicted(func(snap registry.Snapshot) {
			if err := archiver.Archive(snap); err != nil {
				log.Printf("serve: failed to archive evicted command %s: %v", snap.ID, err)
			}
		})
	}

	orcCfg := orchestrator.Config{
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(cfg.MaxTimeoutSeconds) * time.Second,
		PromptGrace:    time.Duration(cfg.PromptGraceMS) * time.Millisecond,
		ForcedGrace:    time.Duration(cfg.ForcedTimeoutGraceMS) * time.Millisecond,
		Policy: outputfilter.Policy{
			Thresholds: outputfilter.Thresholds{
				Install:     cfg.Thresholds.Install,
				FileListing: cfg.Thresholds.FileListing,
				LogSearch:   cfg.Thresholds.LogSearch,
				Generic:     cfg.Thresholds.Generic,
			},
			Truncation: outputfilter.Truncation{
				HeadLines: cfg.Truncation.HeadLines,
				TailLines: cfg.Truncation.TailLines,
			},
			ClassRules: outputfilter.DefaultClassRules,
		},
	}
	orc := orchestrator.New(session, cfg.Host, cfg.Username, orcCfg, reg)

	gw := viewergateway.New(orc.Bus(), orc.Session(), cfg.ViewerQueueCapacity)
	orc.SetOnDisconnect(func() { gw.BroadcastStatus(false) })

	handlers := toolprotocol.New(orc)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		orc.Run(runCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/viewer", func(w http.ResponseWriter, r *http.Request) {
		t, err := viewergateway.AcceptWebsocket(w, r, serveInsecureSkipOriginCheck)
		if err != nil {
			log.Printf("serve: failed to accept viewer websocket: %v", err)
			return
		}
		if err := gw.Attach(r.Context(), t); err != nil {
			log.Printf("serve: viewer detached: %v", err)
		}
	})
	registerToolRoutes(mux, handlers)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("serve: listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: http server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = session.Close()
	cancel()
	<-runDone
	return nil
}

func registerToolRoutes(mux *http.ServeMux, h *toolprotocol.Handlers) {
	mux.HandleFunc("/tool/execute_command", func(w http.ResponseWriter, r *http.Request) {
		var req toolprotocol.ExecuteCommandRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		resp, errResp := h.ExecuteCommand(r.Context(), req)
		writeToolResult(w, resp, errResp)
	})
	mux.HandleFunc("/tool/check_command_status", func(w http.ResponseWriter, r *http.Request) {
		var req toolprotocol.CheckCommandStatusRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		resp, errResp := h.CheckCommandStatus(req)
		writeToolResult(w, resp, errResp)
	})
	mux.HandleFunc("/tool/get_command_output", func(w http.ResponseWriter, r *http.Request) {
		var req toolprotocol.GetCommandOutputRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		resp, errResp := h.GetCommandOutput(req)
		writeToolResult(w, resp, errResp)
	})
	mux.HandleFunc("/tool/cancel_command", func(w http.ResponseWriter, r *http.Request) {
		var req toolprotocol.CancelCommandRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		resp, errResp := h.CancelCommand(req)
		writeToolResult(w, resp, errResp)
	})
	mux.HandleFunc("/tool/list_commands", func(w http.ResponseWriter, r *http.Request) {
		var req toolprotocol.ListCommandsRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		writeToolResult(w, h.ListCommands(req), nil)
	})
	mux.HandleFunc("/tool/get_terminal_status", func(w http.ResponseWriter, r *http.Request) {
		writeToolResult(w, h.GetTerminalStatus(), nil)
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(toolprotocol.ErrorResponse{
			Kind: "server_error", Message: "malformed request body",
		})
		return false
	}
	return true
}

func writeToolResult(w http.ResponseWriter, resp any, errResp *toolprotocol.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	if errResp != nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(errResp)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}
