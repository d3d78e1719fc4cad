package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/hupe1980/embedvault"
	"github.com/hupe1980/embedvault/promcollector"
)

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "stats",
			Usage:  "print vault statistics as JSON",
			Action: runStats,
		},
		{
			Name:   "verify",
			Usage:  "check the checksum of every stored embedding",
			Action: runVerify,
		},
		{
			Name:      "get",
			Usage:     "print the embedding and metadata of an id",
			ArgsUsage: "<id>",
			Action:    runGet,
		},
		{
			Name:      "put",
			Usage:     "store embeddings read as JSON lines",
			ArgsUsage: "[file]",
			Action:    runPut,
		},
		{
			Name:      "search",
			Usage:     "print the nearest neighbours of a comma separated vector",
			ArgsUsage: "<v1,v2,...>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Aliases: []string{"k"}, Value: 10, Usage: "number of results"},
				&cli.IntFlag{Name: "nprobes", Usage: "partitions probed; 0 uses the configured value"},
				&cli.BoolFlag{Name: "exact", Usage: "scan every row instead of using the index"},
				&cli.StringSliceFlag{Name: "filter", Usage: "metadata filter key=value"},
			},
			Action: runSearch,
		},
		{
			Name:  "reindex",
			Usage: "build the IVF-PQ index if it is missing or stale",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "force", Usage: "rebuild even when the index is current"},
			},
			Action: runReindex,
		},
		{
			Name:   "snapshot",
			Usage:  "create a version at the current state",
			Action: runSnapshot,
		},
		{
			Name:   "versions",
			Usage:  "list the recorded versions",
			Action: runVersions,
		},
		{
			Name:      "rollback",
			Usage:     "restore the state of a version",
			ArgsUsage: "<version>",
			Action:    runRollback,
		},
		{
			Name:   "backup",
			Usage:  "copy the vault to the configured backup target",
			Action: runBackup,
		},
		{
			Name:   "restore",
			Usage:  "restore the configured backup target into data_dir",
			Action: runRestore,
		},
		{
			Name:  "serve-metrics",
			Usage: "expose Prometheus metrics for the vault",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "addr", Usage: "listen address; defaults to metrics_addr"},
			},
			Action: runServeMetrics,
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStats(c *cli.Context) error {
	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()
	return writeJSON(c.App.Writer, v.Stats())
}

func runVerify(c *cli.Context) error {
	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	report, err := v.Verify(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "checked %d embeddings, %d corrupt\n", report.Checked, len(report.Corrupt))
	for _, id := range report.Corrupt {
		fmt.Fprintln(c.App.Writer, "corrupt:", id)
	}
	if len(report.Corrupt) > 0 {
		return cli.Exit("verification failed", 2)
	}
	return nil
}

func runGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("get requires exactly one id", 1)
	}
	id := c.Args().First()

	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	vec, err := v.Get(c.Context, id)
	if err != nil {
		return err
	}
	meta, err := v.Metadata(id)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, record{ID: id, Vector: vec, Metadata: meta})
}

// record is the JSON line format of put and get.
type record struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const putBatchSize = 256

func runPut(c *cli.Context) error {
	in := c.App.Reader
	if c.NArg() > 0 {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	var (
		items  []embedvault.Item
		stored int
	)
	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		res := v.PutBatch(c.Context, items)
		stored += len(items) - res.Failed
		items = items[:0]
		return res.Err()
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, embedvault.Item{ID: r.ID, Vector: r.Vector, Metadata: r.Metadata})
		if len(items) == putBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "stored %d embeddings\n", stored)
	return nil
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	vec := make([]float32, 0, len(fields))
	for _, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", f, err)
		}
		vec = append(vec, float32(x))
	}
	return vec, nil
}

func runSearch(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("search requires a comma separated vector", 1)
	}
	q, err := parseVector(c.Args().First())
	if err != nil {
		return err
	}

	var opts []embedvault.SearchOption
	if n := c.Int("nprobes"); n > 0 {
		opts = append(opts, embedvault.WithSearchNProbes(n))
	}
	if c.Bool("exact") {
		opts = append(opts, embedvault.WithExactSearch())
	}
	for _, f := range c.StringSlice("filter") {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("invalid filter %q, want key=value", f)
		}
		opts = append(opts, embedvault.WithFilter(key, value))
	}

	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	results, err := v.Search(c.Context, q, c.Int("limit"), opts...)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(c.App.Writer, "%s\t%.6f\t%s\n", r.ID, r.Score, r.Locator)
	}
	return nil
}

func runReindex(c *cli.Context) error {
	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	elapsed, err := v.EnsureIndex(c.Context, c.Bool("force"))
	if err != nil {
		return err
	}
	d := v.IndexDescriptor()
	if d == nil {
		fmt.Fprintln(c.App.Writer, "no index")
		return nil
	}
	fmt.Fprintf(c.App.Writer, "index %s ready: %d rows in %s\n", d.BuildID, d.RowCount, elapsed.Round(time.Millisecond))
	return nil
}

func runSnapshot(c *cli.Context) error {
	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	version, err := v.Snapshot(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, version)
	return nil
}

func runVersions(c *cli.Context) error {
	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, s := range v.Versions() {
		fmt.Fprintf(c.App.Writer, "%d\tseq=%d\t%s\n", s.Version, s.Seq, s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runRollback(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("rollback requires a version", 1)
	}
	version, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", c.Args().First(), err)
	}

	v, _, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	if err := v.Rollback(c.Context, version); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "rolled back to version %d\n", version)
	return nil
}

func runBackup(c *cli.Context) error {
	v, cfg, err := openVault(c)
	if err != nil {
		return err
	}
	defer v.Close()

	dst, err := cfg.BackupStore(c.Context)
	if err != nil {
		return err
	}
	m, err := v.Backup(c.Context, dst)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, m)
}

func runRestore(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	opts, err := cfg.VaultOptions()
	if err != nil {
		return err
	}
	src, err := cfg.BackupStore(c.Context)
	if err != nil {
		return err
	}
	m, err := embedvault.Restore(c.Context, src, cfg.DataDir, opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored version %d: %d entries, %d bytes\n", m.Version, m.Entries, m.Bytes())
	return nil
}

func runServeMetrics(c *cli.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := promcollector.New(reg)

	v, cfg, err := openVault(c, embedvault.WithMetricsCollector(mc))
	if err != nil {
		return err
	}
	defer v.Close()
	promcollector.RegisterStats(reg, v.Stats)

	addr := c.String("addr")
	if addr == "" {
		addr = cfg.MetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(c.App.Writer, "serving metrics on %s\n", addr)

	select {
	case <-c.Context.Done():
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
