package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ravi-parthasarathy/canvasflow/pkg/canvas"
	"github.com/ravi-parthasarathy/canvasflow/pkg/config"
	"github.com/ravi-parthasarathy/canvasflow/pkg/factory"
	"github.com/ravi-parthasarathy/canvasflow/pkg/graph"
	"github.com/ravi-parthasarathy/canvasflow/pkg/metrics"
	"github.com/ravi-parthasarathy/canvasflow/pkg/vault"
	"github.com/ravi-parthasarathy/canvasflow/pkg/webhook"

	// Register all LLM providers via their init() functions.
	_ "github.com/ravi-parthasarathy/canvasflow/pkg/llm/providers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the flags every command understands.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	lenient    bool
}

func rootCmd() *cobra.Command {
	var gl globals
	root := &cobra.Command{
		Use:   "canvasflow",
		Short: "Run diagrams as reactive LLM workflows",
		Long: `canvasflow turns a JSON Canvas or Graphviz diagram into a typed
dependency graph and runs it.

Boxes become call, content, reference, HTTP and formatter nodes; groups
repeat, fan out over lists or simply gate their members; arrows carry
variables, chat history, config and streamed replies.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&gl.configPath, "config", "", "path to a YAML settings file")
	pf.StringVar(&gl.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&gl.logFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&gl.lenient, "lenient", false, "log structural problems instead of failing the build")

	root.AddCommand(runCmd(&gl))
	root.AddCommand(lintCmd(&gl))
	root.AddCommand(graphCmd(&gl))
	root.AddCommand(relayCmd(&gl))
	return root
}

// ─── run ──────────────────────────────────────────────────────────────────────

type runFlags struct {
	model       string
	vaultDir    string
	note        string
	selection   string
	receiver    string
	metricsAddr string
	mock        bool
	stream      bool
}

func runCmd(gl *globals) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run <diagram.canvas|diagram.dot>",
		Short: "Build a diagram and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, gl)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, rf)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}
			return executeDiagram(signalContext(cmd.Context()), cmd.OutOrStdout(), args[0], cfg, gl.lenient, rf)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.model, "model", "", "default LLM model (provider:model-id or alias)")
	f.StringVar(&rf.vaultDir, "vault", "", "directory of markdown notes that references read and write")
	f.StringVar(&rf.note, "note", "", "name of the current note")
	f.StringVar(&rf.selection, "selection", "", "initial text selection")
	f.StringVar(&rf.receiver, "receiver", "", "webhook relay base URL")
	f.StringVar(&rf.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.BoolVar(&rf.mock, "mock", false, "answer call and HTTP nodes with placeholders")
	f.BoolVar(&rf.stream, "stream", false, "print streamed model output as it arrives")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config, rf runFlags) {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.DefaultModel = rf.model
	}
	if f.Changed("vault") {
		cfg.VaultDir = rf.vaultDir
	}
	if f.Changed("receiver") {
		cfg.ReceiverURL = rf.receiver
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = rf.metricsAddr
	}
	if f.Changed("mock") {
		cfg.Mock = rf.mock
	}
}

// executeDiagram builds the graph, runs it, and serves metrics alongside
// when an address is configured.
func executeDiagram(ctx context.Context, out io.Writer, path string, cfg *config.Config, lenient bool, rf runFlags) error {
	doc, g, err := buildDiagram(path, lenient)
	if err != nil {
		return err
	}
	rc, err := runContext(cfg, rf)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	col := metrics.NewCollector(reg)
	observers := []graph.Observer{col}
	if rf.stream {
		observers = append(observers, &streamPrinter{w: out})
	}
	run, err := graph.NewRun(g, rc, observers...)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		eg.Go(func() error {
			slog.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		if srv != nil {
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutCtx)
			}()
		}
		if err := run.Start(ctx); err != nil {
			return err
		}
		// Cancellation stops the run; nodes still wind down on their own.
		res, err := run.Wait(context.WithoutCancel(ctx))
		if err != nil {
			return fmt.Errorf("wait for run: %w", err)
		}
		col.RecordRun(g, res)
		if rf.stream {
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, renderSummary(doc, g, res))
		return res.Err(g)
	})
	return eg.Wait()
}

func runContext(cfg *config.Config, rf runFlags) (graph.RunContext, error) {
	rc := graph.RunContext{
		Settings:    cfg.Settings(),
		Mock:        cfg.Mock,
		CurrentNote: rf.note,
		Selection:   rf.selection,
		Clients:     cfg.Clients(),
		HTTP:        &webhook.Client{HTTP: &http.Client{}, Timeout: cfg.HTTPTimeout},
		Templates:   cfg.HTTPTemplates,
	}
	if cfg.VaultDir != "" {
		v, err := vault.Open(cfg.VaultDir)
		if err != nil {
			return rc, err
		}
		rc.Store = v
	}
	if cfg.ReceiverURL != "" {
		rc.Receiver = webhook.NewReceiver(cfg.ReceiverURL, cfg.PollInterval)
	}
	return rc, nil
}

// streamPrinter writes streamed chunks as they arrive.
type streamPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *streamPrinter) ObjectChanged(graph.Event) {}

func (p *streamPrinter) NodeOutput(nodeID, chunk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nodeID != p.last {
		fmt.Fprintf(p.w, "\n[%s] ", nodeID)
		p.last = nodeID
	}
	_, _ = io.WriteString(p.w, chunk)
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd(gl *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "lint <diagram>",
		Short: "Build a diagram without running it and report every problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(cmd, gl); err != nil {
				return err
			}
			_, g, err := buildDiagram(args[0], gl.lenient)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s is valid (%d nodes, %d groups, %d edges)\n",
				args[0], len(g.Nodes()), len(g.Groups()), len(g.Edges()))
			return nil
		},
	}
}

// ─── relay ────────────────────────────────────────────────────────────────────

func relayCmd(gl *globals) *cobra.Command {
	var (
		addr string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the webhook relay that HTTP nodes in hook mode wait on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := setup(cmd, gl); err != nil {
				return err
			}
			ctx := signalContext(cmd.Context())
			srv := &http.Server{
				Addr:              addr,
				Handler:           webhook.NewRelay(ttl).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				slog.Info("relay listening", "addr", addr, "ttl", ttl)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8099", "listen address")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "forget hooks older than this")
	return cmd
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// setup loads settings, applies the global flags and installs the logger.
func setup(cmd *cobra.Command, gl *globals) (*config.Config, error) {
	cfg, err := config.Load(gl.configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("log-level") {
		cfg.Log.Level = gl.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = gl.logFormat
	}
	if err := initLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildDiagram(path string, lenient bool) (*canvas.Document, *graph.Graph, error) {
	doc, err := canvas.Load(path)
	if err != nil {
		return nil, nil, err
	}
	g, err := factory.Build(doc, factory.Options{Lenient: lenient})
	if err != nil {
		return nil, nil, err
	}
	return doc, g, nil
}

// initLogger installs the default slog logger on stderr.
func initLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[canvasflow] interrupted, stopping run")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
