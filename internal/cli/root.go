package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jsherman999/logtail/internal/config"
	"github.com/jsherman999/logtail/internal/tailreader"
	"github.com/jsherman999/logtail/internal/watchhub"
)

func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "logtail",
		Short:        "Print and follow log files",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (yaml)")

	root.AddCommand(tailCmd(&cfgPath))
	root.AddCommand(sourcesCmd(&cfgPath))
	return root
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
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-24s %s\n", src.ID, src.Label, src.Path)
			}
			return nil
		},
	}
}

// writerSession prints a followed source to a writer.
type writerSession struct{ w io.Writer }

func (s writerSession) ID() string { return "cli" }

func (s writerSession) Send(text string) error {
	_, err := io.WriteString(s.w, text)
	return err
}

func tailCmd(cfgPath *string) *cobra.Command {
	var (
		source   string
		file     string
		encoding string
		lines    int
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the last lines of a source and optionally follow it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (source == "") == (file == "") {
				return fmt.Errorf("exactly one of --source or --file is required")
			}
			if lines < 0 {
				return fmt.Errorf("--lines must not be negative")
			}

			var cfg *config.Config
			if file != "" {
				source = "file"
				cfg = &config.Config{Files: map[string]config.Source{
					source: {Path: file, Encoding: encoding},
				}}
				if err := config.Normalize(cfg); err != nil {
					return err
				}
			} else {
				var err error
				if cfg, err = config.Load(*cfgPath); err != nil {
					return err
				}
			}

			src, ok := cfg.Resolve(source)
			if !ok {
				return fmt.Errorf("%w: %q", watchhub.ErrUnknownSource, source)
			}
			out := cmd.OutOrStdout()

			if !follow {
				enc, err := config.LookupEncoding(src.Encoding)
				if err != nil {
					return err
				}
				raw, err := tailreader.Tail(src.Path, lines)
				if err != nil {
					return err
				}
				text, err := watchhub.DecodeAll(enc, raw)
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, text)
				return err
			}

			hub := watchhub.New(cfg, watchhub.OptionsFromConfig(cfg))
			defer hub.Close()
			sess := writerSession{w: out}
			if err := hub.Subscribe(src.ID, sess, lines); err != nil {
				return err
			}
			defer hub.Disconnect(sess)

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "configured source id")
	cmd.Flags().StringVar(&file, "file", "", "path of a file to tail without a config")
	cmd.Flags().StringVar(&encoding, "encoding", "utf-8", "character encoding for --file")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing appended data")
	return cmd
}
