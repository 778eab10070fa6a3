package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/magnetar/internal/job"
	"github.com/ajitpratap0/magnetar/pkg/config"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"

	// Import all bundled drivers to register them
	_ "github.com/ajitpratap0/magnetar/pkg/connection/drivers/mysql"
	_ "github.com/ajitpratap0/magnetar/pkg/connection/drivers/postgres"
	_ "github.com/ajitpratap0/magnetar/pkg/connection/drivers/snowflake"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MAGNETAR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "magnetar",
		Short: "Magnetar - resilient ETL job runner",
		Long: `Magnetar runs configured ETL jobs: it probes the job's connections,
extracts the configured tables through pooled sessions with retry and
exception tracking, and delivers job notifications.

Configuration is a YAML file with ${VAR} substitution and per-environment
overlays; every flag can also be set through MAGNETAR_* environment
variables (e.g. MAGNETAR_CONFIG, MAGNETAR_ENV).`,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to the job configuration YAML file")
	root.PersistentFlags().StringP("env", "e", "", "Environment overlay to apply (default from MAGNETAR_ENV, then development)")
	root.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Magnetar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate a job configuration",
		Long: `Validate loads the configuration, applies the environment overlay and
defaults, and runs every validation the job runner would. On success it
prints the effective configuration with credentials masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadJobConfig(v)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to render configuration: %w", err)
			}
			fmt.Printf("# environment: %s\n%s", cfg.Environment, out)
			return nil
		},
	})

	var probeTimeout time.Duration
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Test every configured connection",
		Long: `Probe opens a throwaway session to each configured connection, pings it,
runs the driver's probe statement, and closes it again. Failed attempts
retry with exponentially growing waits; the exit status reports the final
verdict.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadJobConfig(v)
			if err != nil {
				return err
			}

			rt, err := job.New(cfg)
			if err != nil {
				return err
			}
			defer shutdown(rt)

			ctx, cancel := signalContext(probeTimeout)
			defer cancel()

			failed := map[string]bool{}
			for _, name := range rt.Probe(ctx) {
				failed[name] = true
			}

			names := make([]string, 0, len(cfg.Connections))
			for name := range cfg.Connections {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				status := "OK"
				if failed[name] {
					status = "FAILED"
				}
				fmt.Printf("  %-24s %s\n", name, status)
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d connections failed", len(failed), len(names))
			}
			return nil
		},
	}
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 2*time.Minute, "Probe timeout")
	root.AddCommand(probeCmd)

	var outDir string
	var only []string
	var extractTimeout time.Duration
	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Run the configured extraction job",
		Long: `Extract probes the job's connections and streams every configured table
as JSON lines, one file per table under --output, or to stdout when no
output directory is given. --table restricts the run to the named tables.

Example:
  magnetar extract --config job.yml --env production --output ./export`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadJobConfig(v)
			if err != nil {
				return err
			}
			if cfg.Extraction.Connection == "" {
				return errors.NewConfiguration("configuration has no extraction section")
			}
			if cfg.Extraction.Tables, err = selectTables(cfg.Extraction.Tables, only); err != nil {
				return err
			}

			rt, err := job.New(cfg)
			if err != nil {
				return err
			}
			defer shutdown(rt)

			ctx, cancel := signalContext(extractTimeout)
			defer cancel()

			writers := &jsonlWriterSet{outDir: outDir}
			runErr := rt.Run(ctx, writers.factory)
			if err := writers.close(); err != nil && runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}

			fmt.Printf("extracted %d rows from %d tables\n", writers.rows(), len(cfg.Extraction.Tables))
			return nil
		},
	}
	extractCmd.Flags().StringVarP(&outDir, "output", "o", "", "Directory for per-table .jsonl files (default stdout)")
	extractCmd.Flags().StringSliceVar(&only, "table", nil, "Extract only the named tables (table or schema.table, repeatable)")
	extractCmd.Flags().DurationVar(&extractTimeout, "timeout", 30*time.Minute, "Job timeout")
	root.AddCommand(extractCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadJobConfig resolves the configuration path and environment from flags
// and MAGNETAR_* variables and loads the job configuration.
func loadJobConfig(v *viper.Viper) (*config.JobConfig, error) {
	path := v.GetString("config")
	if path == "" {
		return nil, errors.NewConfiguration("no configuration file: pass --config or set MAGNETAR_CONFIG")
	}

	var cfg *config.JobConfig
	var err error
	if env := v.GetString("env"); env != "" {
		cfg, err = config.LoadForEnv(path, env)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}

	if level := v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// signalContext returns a context that ends on timeout, SIGINT or SIGTERM.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

// selectTables filters configured table requests down to the names asked
// for on the command line. Names address a request by its bare table name
// or by schema.table.
func selectTables(reqs []extract.TableRequest, only []string) ([]extract.TableRequest, error) {
	if len(only) == 0 {
		return reqs, nil
	}

	matched := make(map[string]bool, len(only))
	var out []extract.TableRequest
	for _, req := range reqs {
		for _, name := range only {
			if name == req.Table || name == req.Qualified() {
				out = append(out, req)
				matched[name] = true
				break
			}
		}
	}
	for _, name := range only {
		if !matched[name] {
			return nil, errors.Newf(errors.CategoryConfiguration,
				"table %q is not in the extraction configuration", name)
		}
	}
	return out, nil
}

// shutdown closes the runtime with a grace period independent of the
// command context, which may already be cancelled.
func shutdown(rt *job.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.Shutdown(ctx)
}

// jsonlWriterSet hands out one JSON-lines sink per table and closes them
// all after the run. With no output directory every sink shares stdout.
type jsonlWriterSet struct {
	outDir string
	sinks  []*jsonlSink
}

func (ws *jsonlWriterSet) factory(req extract.TableRequest) (extract.BatchSink, error) {
	sink := &jsonlSink{}

	if ws.outDir == "" {
		sink.w = bufio.NewWriter(os.Stdout)
	} else {
		if err := os.MkdirAll(ws.outDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", ws.outDir, err)
		}
		path := filepath.Join(ws.outDir, req.Qualified()+".jsonl")
		f, err := os.Create(path) //nolint:gosec // operator-chosen output directory
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
		sink.w = bufio.NewWriter(f)
		sink.file = f
	}

	ws.sinks = append(ws.sinks, sink)
	return sink, nil
}

func (ws *jsonlWriterSet) close() error {
	var first error
	for _, sink := range ws.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ws *jsonlWriterSet) rows() int64 {
	var total int64
	for _, sink := range ws.sinks {
		total += sink.count
	}
	return total
}

// jsonlSink writes each row as one JSON object per line.
type jsonlSink struct {
	w     *bufio.Writer
	file  *os.File
	count int64
}

func (s *jsonlSink) WriteBatch(_ context.Context, columns []string, rows [][]interface{}) error {
	for _, row := range rows {
		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		line, err := gojson.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode row: %w", err)
		}
		line = append(line, '\n')
		if _, err := s.w.Write(line); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	s.count += int64(len(rows))
	return nil
}

func (s *jsonlSink) Close() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
