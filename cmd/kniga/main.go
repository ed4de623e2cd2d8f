package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drpcorg/kniga"
	"github.com/drpcorg/kniga/rdx"
	"github.com/drpcorg/kniga/repl"
)

type rootOptions struct {
	config   string
	dir      string
	peer     string
	logLevel string
}

func (o *rootOptions) load() (*Config, error) {
	cfg, err := LoadConfig(o.config)
	if err != nil {
		return nil, err
	}
	if o.dir != "" {
		cfg.Dir = o.dir
	}
	if o.peer != "" {
		cfg.Peer = o.peer
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) open() (*Config, *kniga.Doc, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	doc, err := kniga.New(opts)
	return cfg, doc, err
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kniga",
		Short:         "kniga - replicated documents",
		Long:          "Edit, export and merge replicated documents kept in a pebble database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.config, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.dir, "dir", "", "database directory")
	cmd.PersistentFlags().StringVar(&opts.peer, "peer", "", "hex peer id")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error")

	cmd.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "Interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the document as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, doc, err := opts.open()
			if err != nil {
				return err
			}
			defer doc.Close()
			js, err := json.MarshalIndent(doc.GetDeepValue().Native(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", js)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export <snapshot|updates> <file>",
		Short: "Write an export payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, doc, err := opts.open()
			if err != nil {
				return err
			}
			defer doc.Close()
			mode := kniga.ExportSnapshot()
			switch args[0] {
			case "snapshot":
			case "updates":
				mode = kniga.ExportUpdates(rdx.NewVV())
			default:
				return fmt.Errorf("unknown export mode %q", args[0])
			}
			data, err := doc.Export(mode)
			if err != nil {
				return err
			}
			return os.WriteFile(args[1], data, 0o644)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Merge payloads into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, doc, err := opts.open()
			if err != nil {
				return err
			}
			defer doc.Close()
			batch := make([][]byte, 0, len(args))
			for _, name := range args {
				data, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				batch = append(batch, data)
			}
			status, err := doc.ImportBatch(batch)
			if err != nil {
				return err
			}
			for _, span := range status.Success {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "+%s\n", span.String())
			}
			return nil
		},
	})
	return cmd
}

func runREPL(opts *rootOptions) error {
	cfg, doc, err := opts.open()
	if err != nil {
		return err
	}
	defer doc.Close()
	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(kniga.NewDocCollector(doc))
		srv := &http.Server{Addr: cfg.Metrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() { _ = srv.ListenAndServe() }()
		defer srv.Close()
	}
	r := repl.New(doc, os.Stdout)
	if err := r.Open(cfg.History); err != nil {
		return err
	}
	defer r.Close()
	return r.Run()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
