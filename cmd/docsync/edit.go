package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/docsync/pkg/delta"
	"github.com/astromechza/docsync/pkg/editor"
	"github.com/astromechza/docsync/pkg/session"
	"github.com/astromechza/docsync/pkg/transport"
)

func newEditCommand(opts *rootOptions) *cobra.Command {
	var (
		endpoint     string
		saveInterval time.Duration
		follow       bool
	)
	cmd := &cobra.Command{
		Use:   "edit <document-id>",
		Short: "Edit a document from the terminal",
		Long: `Open a headless editing session on a document.

Each line read from stdin is appended to the document as a user edit. Remote changes and
status updates are logged. Once stdin is exhausted the session waits for its edits to be
checkpointed, then prints the final text. With --follow it keeps running until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config.Session
			if cmd.Flags().Changed("endpoint") {
				cfg.Endpoint = endpoint
			}
			if cmd.Flags().Changed("save-interval") {
				cfg.SaveInterval = saveInterval
			}
			full := opts.config
			full.Session = cfg
			if err := full.Validate(); err != nil {
				return err
			}
			return runEdit(cmd.Context(), args[0], cfg.Endpoint, cfg.SaveInterval, cfg.LoadTimeout, follow, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "relay websocket url")
	cmd.Flags().DurationVar(&saveInterval, "save-interval", 0, "interval between save checkpoints")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep the session open after stdin is exhausted")
	return cmd
}

func runEdit(ctx context.Context, id, endpoint string, saveInterval, loadTimeout time.Duration, follow bool, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	go func() {
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ed := editor.New()
	ed.OnChange(func(c editor.Change) {
		if c.Origin == editor.OriginRemote {
			slog.Debug("remote change", "document", id, "ops", len(c.Delta.Ops))
		}
	})

	statuses := make(chan session.Status, 16)
	controller := session.New(id, transport.New(endpoint, transport.Options{}), ed, session.Options{
		SaveInterval: saveInterval,
		LoadTimeout:  loadTimeout,
		OnStatus: func(s session.Status) {
			select {
			case statuses <- s:
			default:
			}
		},
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Run(ctx)
	}()
	defer func() {
		controller.Close()
		<-done
	}()

	if err := waitForStatus(ctx, statuses, 0, func(s session.Status) bool {
		return s.State == session.Ready || s.State == session.Failed && s.Message != session.StatusConnectFailed
	}); err != nil {
		return err
	}
	if s := controller.Status(); s.State != session.Ready {
		return fmt.Errorf("session failed: %s", s.Message)
	}

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		current := ed.Snapshot()
		change := delta.New().Retain(current.Length(), nil).Insert(lines.Text()+"\n", nil)
		if err := ed.Edit(change); err != nil {
			slog.Warn("failed to apply edit", "err", err)
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	if follow {
		<-ctx.Done()
	} else {
		// the first checkpoint after the last edit may still be queued when it is reported
		saved := 0
		if err := waitForStatus(ctx, statuses, 3*saveInterval+5*time.Second, func(s session.Status) bool {
			if s.Message == session.StatusSaved {
				saved++
			}
			return saved >= 2 || s.State != session.Ready
		}); err != nil {
			slog.Warn("edits may not have been saved", "err", err)
		}
	}

	controller.Close()
	<-done
	_, err := io.WriteString(out, ed.Snapshot().Text())
	return err
}

func waitForStatus(ctx context.Context, statuses <-chan session.Status, timeout time.Duration, match func(session.Status) bool) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case s := <-statuses:
			if match(s) {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
