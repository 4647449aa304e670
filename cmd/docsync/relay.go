package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/docsync/pkg/config"
	"github.com/astromechza/docsync/pkg/relay"
	"github.com/astromechza/docsync/pkg/store"
)

const mdnsService = "_docsync._tcp"

func newRelayCommand(opts *rootOptions) *cobra.Command {
	var (
		addr   string
		driver string
		dsn    string
		mdns   bool
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the document relay",
		Long: `Run the document relay until SIGINT or SIGTERM.

Sessions connect to /socket. The current snapshot of an open document is served at
/documents/{id}. Changed documents are flushed to the store periodically and on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config
			if cmd.Flags().Changed("addr") {
				cfg.Relay.Addr = addr
			}
			if cmd.Flags().Changed("store-driver") {
				cfg.Store.Driver = driver
			}
			if cmd.Flags().Changed("store-dsn") {
				cfg.Store.DSN = dsn
			}
			if cmd.Flags().Changed("mdns") {
				cfg.Relay.MDNS = mdns
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "the address to listen on")
	cmd.Flags().StringVar(&driver, "store-driver", "", "store backend: memory, sqlite, bolt, redis or postgres")
	cmd.Flags().StringVar(&dsn, "store-dsn", "", "store location, interpreted by the driver")
	cmd.Flags().BoolVar(&mdns, "mdns", false, "advertise the relay over mDNS")
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	r := relay.New(st, relay.Options{FlushInterval: cfg.Relay.FlushInterval})
	server := relay.NewServer(r, relay.ServerOptions{SendBuffer: cfg.Relay.SendBuffer})

	listener, err := net.Listen("tcp", cfg.Relay.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("relay listening", "addr", listener.Addr().String(), "store", cfg.Store.Driver)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return r.Run(egCtx)
	})
	if cfg.Relay.MDNS {
		port := listener.Addr().(*net.TCPAddr).Port
		eg.Go(func() error {
			return advertise(egCtx, port)
		})
	}
	eg.Go(func() error {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
		case <-egCtx.Done():
		}
		server.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown cleanly", "err", err)
		}
		cancel()
		return nil
	})
	return eg.Wait()
}

// advertise registers the relay over mDNS until ctx is done.
func advertise(ctx context.Context, port int) error {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("docsync-%s", host),
		mdnsService,
		"local.",
		port,
		[]string{"path=/socket"},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	defer server.Shutdown()
	slog.Info("mDNS service registered", "service", mdnsService, "port", port)
	<-ctx.Done()
	return nil
}
