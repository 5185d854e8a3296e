// Command guardian is the CLI entry point of spec §6: a `serve` subcommand
// that wires and runs the full detect-decide-respond pipeline, plus
// `config`, `status`, `threats`, and `models` subcommands that are thin
// HTTP clients against the running agent's internal/rpc surface. Exit
// codes follow §6 exactly: 0 clean shutdown, 1 configuration error, 2
// runtime failure, 3 signal-terminated after drain.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/jordigilh/guardian/internal/audit"
	"github.com/jordigilh/guardian/internal/breaker"
	"github.com/jordigilh/guardian/internal/config"
	"github.com/jordigilh/guardian/internal/detector"
	"github.com/jordigilh/guardian/internal/eventbus"
	"github.com/jordigilh/guardian/internal/feature"
	"github.com/jordigilh/guardian/internal/hsm"
	"github.com/jordigilh/guardian/internal/inference"
	"github.com/jordigilh/guardian/internal/metrics"
	"github.com/jordigilh/guardian/internal/model"
	"github.com/jordigilh/guardian/internal/objectstore"
	"github.com/jordigilh/guardian/internal/orchestrator"
	"github.com/jordigilh/guardian/internal/response"
	"github.com/jordigilh/guardian/internal/rpc"
	"github.com/jordigilh/guardian/internal/state"
	"github.com/jordigilh/guardian/internal/workflowclient"
	"github.com/jordigilh/guardian/pkg/types"
)

const (
	exitClean            = 0
	exitConfigError      = 1
	exitRuntimeFailure   = 2
	exitSignalTerminated = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: guardian <serve|config|status|threats|models> [flags]")
		os.Exit(exitConfigError)
	}

	var code int
	switch os.Args[1] {
	case "serve":
		code = runServe(os.Args[2:])
	case "config":
		code = runConfigCheck(os.Args[2:])
	case "status":
		code = runClientGet(os.Args[2:], "/v1/status")
	case "threats":
		code = runClientGet(os.Args[2:], "/v1/events?type=threat_detected")
	case "models":
		code = runModels(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		code = exitConfigError
	}
	os.Exit(code)
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	path := fs.StringP("config", "c", "/etc/guardian/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(cfg)
	return exitClean
}

func runClientGet(args []string, path string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	addr := fs.StringP("addr", "a", "http://127.0.0.1:7443", "agent RPC address")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}
	resp, err := http.Get(*addr + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntimeFailure
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return exitRuntimeFailure
	}
	fmt.Println(buf.String())
	if resp.StatusCode >= 400 {
		return exitRuntimeFailure
	}
	return exitClean
}

func runModels(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: guardian models <list|activate> [flags]")
		return exitConfigError
	}
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	addr := fs.StringP("addr", "a", "http://127.0.0.1:7443", "agent RPC address")
	name := fs.StringP("name", "n", "", "model name")
	version := fs.StringP("version", "v", "", "model version")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfigError
	}

	switch args[0] {
	case "list":
		return runClientGet([]string{"--addr", *addr}, "/v1/models/"+*name)
	case "activate":
		resp, err := http.Post(*addr+"/v1/models/"+*name+"/"+*version+"/activate", "application/json", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitRuntimeFailure
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return exitRuntimeFailure
		}
		return exitClean
	default:
		fmt.Fprintf(os.Stderr, "unknown models subcommand %q\n", args[0])
		return exitConfigError
	}
}

// loadAdapter reports the current CPU usage fraction as the load signal
// driving adaptive sampling and batch sizing in feature.Extractor and
// inference.Engine.
type loadAdapter struct{ store *state.Store }

func (l loadAdapter) Load() float64 { return l.store.Current().CPUUsage / 100.0 }

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path := fs.StringP("config", "c", "/etc/guardian/config.yaml", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	log := logrus.New()
	level, lerr := logrus.ParseLevel(cfg.Logging.Level)
	if lerr == nil {
		log.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logrus.NewEntry(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := breaker.NewManager(entry)

	promRegistry := prometheus.NewRegistry()
	forwarder := metrics.NewPrometheusForwarder(promRegistry)
	sink := metrics.NewSink(forwarder, breakers, entry)

	bus := eventbus.New(breakers, sink, entry)
	stateStore := state.New(bus, entry)

	pool := objectstore.New()
	oracle := hsm.NewSoftwareHSM()

	store := model.NewStore(pool)
	registry := model.NewRegistry(store, newRedisClient(), oracle, cfg.Model.SigningKeyID, entry)

	load := loadAdapter{store: stateStore}
	extractor := feature.New(load)

	evaluator := inference.NewLinearEvaluator()
	engine, err := inference.New(ctx, cfg.Model.Name, evaluator, registry, breakers, sink, extractor, load, entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	telemetry, err := bus.Subscribe("raw_event")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	det := detector.New(telemetry, engine, bus, breakers, sink, load, entry)
	if err := reloadConfig(det, extractor, entry)(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	auditRecorder, err := audit.New(ctx, pool, oracle, auditAlertHook(entry), entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	workflows := workflowclient.NewClient(8, entry)
	workflows.RegisterActivity("execute_response", executeResponseActivity(entry))
	respEngine := response.New(workflows, bus, auditRecorder, breakers, sink, entry)

	orch := orchestrator.New(sink, bus, stateStore, breakers, det, respEngine, auditRecorder, engine, entry)
	orch.Start(ctx)

	if err := config.Watch(ctx, *path, reloadConfig(det, extractor, entry), entry); err != nil {
		entry.WithError(err).Warn("config hot-reload disabled")
	}

	server := rpc.New(stateStore, bus, respEngine, registry, promRegistry, []string{"*"}, entry)
	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: server.Handler()}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		entry.Info("shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orchestrator.DrainTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if err := orch.Shutdown(shutdownCtx); err != nil {
			entry.WithError(err).Warn("drain did not complete cleanly")
			return exitSignalTerminated
		}
		return exitClean
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("rpc server failed")
			return exitRuntimeFailure
		}
		return exitClean
	}
}

// executeResponseActivity is the workflow activity bound to the
// "execute_response" task queue; the concrete OS-level isolate/terminate/
// block/shutdown mechanics are outside this repository's scope (§1), so
// this activity logs the action it would take and reports success,
// standing in for the host-privileged executor a production deployment
// wires here.
func executeResponseActivity(log *logrus.Entry) workflowclient.Activity {
	return func(ctx context.Context, input any) (any, error) {
		action, ok := input.(types.ResponseAction)
		if !ok {
			return false, fmt.Errorf("execute_response: unexpected input type %T", input)
		}
		log.WithFields(logrus.Fields{
			"kind":    action.Kind,
			"pid":     action.PID,
			"address": action.Address,
		}).Info("executing response action")
		return true, nil
	}
}

// newRedisClient connects to the local Redis instance backing the model
// registry's shared active-version pointer (§4.7). Production deployments
// point GUARDIAN_REDIS_ADDR at a shared instance; it defaults to localhost for a
// single-host agent.
func newRedisClient() *redis.Client {
	addr := os.Getenv("GUARDIAN_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

// reloadConfig applies a hot-reloaded config document's non-identity fields
// (confidence threshold, sampling rate) to the already-running detector and
// feature extractor, per the AMBIENT STACK's fsnotify hot-reload commitment.
func reloadConfig(det *detector.Detector, extractor *feature.Extractor, log *logrus.Entry) config.ReloadFunc {
	return func(cfg *config.Config) error {
		det.SetConfidenceThreshold(cfg.Detection.ConfidenceThreshold)
		sampling := feature.DefaultAdaptiveSamplingConfig()
		sampling.BaseRate = cfg.Detection.SamplingBaseRate
		extractor.SetSamplingConfig(sampling)
		log.WithFields(logrus.Fields{
			"confidence_threshold": cfg.Detection.ConfidenceThreshold,
			"sampling_base_rate":   cfg.Detection.SamplingBaseRate,
		}).Info("applied hot-reloaded detection configuration")
		return nil
	}
}

func auditAlertHook(log *logrus.Entry) audit.AlertFunc {
	return func(count int, window time.Duration) {
		log.WithFields(logrus.Fields{"count": count, "window": window}).
			Warn("critical audit entry rate exceeded alert threshold")
	}
}
