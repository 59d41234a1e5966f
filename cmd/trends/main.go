// Command trends scrapes interest-over-time tables from the Google Trends
// explore page.
//
// Usage:
//
//	trends run -c trends.yaml               # crawl the configured terms
//	trends run -t golang -t rust --stdout   # quick crawl, records on stdout
//	trends sources -c input.json5           # list the URLs a crawl would visit
//	trends geos                             # list known country codes
//	trends dates "Jan 8, 2024"              # show the ISO key of a date label
//	trends export trends.db                 # dump stored records as JSON lines
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/trendscrape/trends"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "trends",
		Short:         "trends scrapes Google Trends interest-over-time data.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logger = newLogger(logLevel)
			slog.SetDefault(logger)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.AddCommand(runCmd(), sourcesCmd(), geosCmd(), datesCmd(), exportCmd(), resetCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		if logger == nil {
			logger = newLogger(logLevel)
		}
		logger.Error("trends: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// overrides are the run flags that patch the loaded configuration.
type overrides struct {
	terms       []string
	geo         string
	timeRange   string
	maxItems    int
	concurrency int
	dataset     string
	statusAddr  string
	stdout      bool
}

func (o *overrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config or JSON5 input file")
	f.StringArrayVarP(&o.terms, "term", "t", nil, "search term, repeatable; replaces the configured terms")
	f.StringVar(&o.geo, "geo", "", "country code, e.g. US")
	f.StringVar(&o.timeRange, "time-range", "", `time range preset, e.g. "today 5-y"`)
	f.IntVar(&o.maxItems, "max-items", -1, "stop after this many records (0 = unlimited)")
	f.IntVar(&o.concurrency, "concurrency", 0, "number of workers")
	f.StringVar(&o.dataset, "dataset", "", "SQLite dataset file")
	f.StringVar(&o.statusAddr, "status-addr", "", "serve /healthz and /stats on this address")
	f.BoolVar(&o.stdout, "stdout", false, "also write records to stdout as JSON lines")
}

func (o *overrides) load() (*trends.Config, error) {
	cfg := &trends.Config{}
	if configPath != "" {
		var err error
		if cfg, err = trends.LoadConfigFile(configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if len(o.terms) > 0 {
		cfg.Search.Terms = o.terms
	}
	if o.geo != "" {
		cfg.Search.Geo = o.geo
	}
	if o.timeRange != "" {
		cfg.Search.TimeRange = o.timeRange
	}
	if o.maxItems >= 0 {
		cfg.Crawl.MaxItems = o.maxItems
	}
	if o.concurrency > 0 {
		cfg.Crawl.MaxConcurrency = o.concurrency
	}
	if o.dataset != "" {
		cfg.Dataset = o.dataset
		cfg.Queue = ""
	}
	if o.statusAddr != "" {
		cfg.StatusAddr = o.statusAddr
	}
	if o.stdout {
		if len(cfg.Sinks) == 0 {
			cfg.Sinks = []trends.SinkConfig{{Type: "dataset"}}
		}
		cfg.Sinks = append(cfg.Sinks, trends.SinkConfig{Type: "stdout"})
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func runCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the configured search terms.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			shutdown, err := trends.SetupTelemetry(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logger.Warn("trends: telemetry shutdown", "error", err)
				}
			}()

			c, err := trends.New(ctx, cfg, trends.WithLogger(logger))
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Run(ctx)
			printStats(st)
			if errors.Is(err, context.Canceled) {
				logger.Info("trends: interrupted, progress is kept for the next run")
				return nil
			}
			return err
		},
	}
	o.register(cmd)
	return cmd
}

func printStats(st trends.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stderr)
	t.SetTitle("Crawl summary")
	t.AppendRows([]table.Row{
		{"Terms", st.Terms},
		{"Records", st.ItemCount},
		{"With data", st.Emitted},
		{"Without data", st.NoData},
		{"Failed", st.Failed},
		{"Rate limited", st.RateLimited},
		{"Blocked", st.Blocked},
		{"Retries", st.Retries},
		{"Session rotations", st.Rotations},
		{"Still queued", st.Pending},
		{"Elapsed", st.Elapsed.Round(time.Second)},
	})
	if st.MaxItems > 0 {
		t.AppendRow(table.Row{"Max items", st.MaxItems})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func sourcesCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the URLs a crawl would visit.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			reqs, err := trends.BuildSources(cfg)
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"#", "Term", "URL"})
			for i, r := range reqs {
				t.AppendRow(table.Row{i + 1, r.Term, r.URL})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
	o.register(cmd)
	return cmd
}

func geosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "geos",
		Short: "List the known country codes.",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Code", "Country"})
			for _, g := range trends.Geolocations() {
				t.AppendRow(table.Row{g.ID, g.Name})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
		},
	}
}

func datesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dates LABEL...",
		Short: "Show the ISO-8601 key of explore-page date labels.",
		Args:  cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Label", "ISO"})
			for _, label := range args {
				iso, err := trends.ISODate(label)
				if err != nil {
					iso = "error: " + err.Error()
				}
				t.AppendRow(table.Row{label, iso})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
		},
	}
}

func exportCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "export DATASET",
		Short: "Write the stored records as JSON lines to stdout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := trends.ExportDataset(cmd.Context(), args[0], os.Stdout, debug)
			if err != nil {
				return err
			}
			logger.Info("trends: exported", "records", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "include debug records of failed requests")
	return cmd
}

func resetCmd() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the request queue so the next run starts over. Stored records are kept.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load()
			if err != nil {
				return err
			}
			n, err := trends.ResetQueue(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			logger.Info("trends: queue cleared", "queue", cfg.Queue, "requests", n)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config or JSON5 input file")
	f.StringVar(&o.dataset, "dataset", "", "SQLite dataset file")
	return cmd
}
