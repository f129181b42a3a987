package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsherman999/logtail/internal/api"
	"github.com/jsherman999/logtail/internal/config"
	"github.com/jsherman999/logtail/internal/watchhub"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "logtaild", Short: "Live log viewer daemon (HTTP + websocket)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (yaml)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(sourcesCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func sourcesCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured log sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			for _, src := range cfg.Sources() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", src.ID, src.Label, src.Path)
			}
			return nil
		},
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the log viewer server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Printf("logtaild starting")
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			hub := watchhub.New(cfg, watchhub.OptionsFromConfig(cfg))
			defer hub.Close()

			// Cancelling reqCtx ends long-lived SSE requests on shutdown.
			reqCtx, cancelReqs := context.WithCancel(context.Background())
			defer cancelReqs()

			h := api.New(cfg, hub)
			srv := &http.Server{
				Addr:              cfg.API.Listen,
				Handler:           h.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return reqCtx },
			}

			for _, src := range cfg.Sources() {
				log.Printf("source %s (%s): %s", src.ID, src.Label, src.Path)
			}

			errc := make(chan error, 1)
			go func() {
				log.Printf("logtaild listening on %s", cfg.API.Listen)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errc <- err
				}
			}()

			stop := make(chan os.Signal, 2)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
			case err := <-errc:
				return fmt.Errorf("listen: %w", err)
			}
			log.Printf("shutting down")

			// Hijacked websocket connections are not tracked by Shutdown; closing
			// the hub first releases watchers and stops their senders.
			hub.Close()
			cancelReqs()
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}
