// Command kapten is the orchestrator process: it loads a pipeline
// configuration, wires the Hasher/State Store/Task Registry/Cache Engine/
// Executor/Map Driver/Runtime Binding together, and either serves the
// submit API or runs one of the CLI surface's operational commands
// (validate, ls, fetch) named in spec §6. Grounded on main.go's
// service-bootstrap shape (logging.Init, otelinit wiring, signal-driven
// shutdown), generalized from the DAG-workflow HTTP server to Kapten's
// submit/check_cache API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/kapten-dev/kapten/internal/applog"
	"github.com/kapten-dev/kapten/internal/cache"
	"github.com/kapten-dev/kapten/internal/config"
	"github.com/kapten-dev/kapten/internal/eventbus"
	"github.com/kapten-dev/kapten/internal/executor"
	"github.com/kapten-dev/kapten/internal/hasher"
	"github.com/kapten-dev/kapten/internal/mapdriver"
	"github.com/kapten-dev/kapten/internal/otelinit"
	"github.com/kapten-dev/kapten/internal/registry"
	"github.com/kapten-dev/kapten/internal/retention"
	"github.com/kapten-dev/kapten/internal/runtimebinding"
	"github.com/kapten-dev/kapten/internal/store"
)

const service = "kapten"

// getenv centralizes environment lookups (spec SPEC_FULL.md A), mirroring
// the teacher's pattern of reading configuration once in main.go rather
// than scattering os.Getenv calls across packages.
func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	applog.Init(service)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	cfgPath := getenv("KAPTEN_CONFIG", "tasks.yaml")
	reg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	switch cmd {
	case "validate":
		os.Exit(runValidate(reg))
	case "ls":
		os.Exit(runLs(reg))
	case "fetch":
		os.Exit(runFetch(reg, args))
	case "serve":
		runServe(reg)
	default:
		fmt.Fprintf(os.Stderr, "kapten: unknown command %q (want serve|validate|ls|fetch)\n", cmd)
		os.Exit(1)
	}
}

// runValidate looks up every registered task by name (spec §6 "validate"
// CLI surface member); graph dependency names are not checked.
func runValidate(reg *registry.Registry) int {
	bad := false
	for _, name := range reg.TaskNames() {
		if _, err := reg.Task(name); err != nil {
			slog.Error("validate: task lookup failed", "task", name, "error", err)
			bad = true
		}
	}
	if bad {
		return 1
	}
	slog.Info("validate: ok", "tasks", len(reg.TaskNames()))
	return 0
}

// runLs prints every registered task name, one per line.
func runLs(reg *registry.Registry) int {
	for _, name := range reg.TaskNames() {
		fmt.Println(name)
	}
	return 0
}

// runFetch prints one task's attributes as JSON (spec §6 "fetch <task>").
func runFetch(reg *registry.Registry, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "kapten fetch: missing task name")
		return 1
	}
	task, err := reg.Task(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(task)
	return 0
}

func runServe(reg *registry.Registry) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	h := hasher.New(
		[]string{reg.Settings.PyTasksDir},
		[]string{reg.Settings.RTasksDir},
		getenv("KAPTEN_OUTPUT_ROOT", reg.Settings.FlowsDir),
	)

	st, err := openStore(ctx, reg, meter)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	events, err := eventbus.New(os.Getenv("NATS_URL"), getenv("NATS_SUBJECT", "kapten.task.events"))
	if err != nil {
		slog.Error("eventbus init failed", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	exec := executor.New(executor.Deps{
		Store:        st,
		Hasher:       h,
		Registry:     reg,
		Funcs:        map[string]executor.PyFunc{},
		RTasksDir:    reg.Settings.RTasksDir,
		ScratchDir:   getenv("KAPTEN_SCRATCH_DIR", "./scratch"),
		RInterpreter: getenv("KAPTEN_R_INTERPRETER", "Rscript"),
	})

	binding := openBinding(reg)
	if closer, ok := binding.(interface{ Close() }); ok {
		defer closer.Close()
	}

	mapDriver := mapdriver.New(mapdriver.Deps{
		Store:    st,
		Hasher:   h,
		Registry: reg,
		Exec:     exec,
		Binding:  binding,
	})

	engine := cache.New(cache.Deps{
		Store:     st,
		Hasher:    h,
		Registry:  reg,
		Exec:      exec,
		MapDriver: mapDriver,
		Binding:   binding,
		Events:    events,
	})

	sweeper := startRetention(reg, st, meter)
	if sweeper != nil {
		defer func() {
			ctxSd, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			_ = sweeper.Stop(ctxSd)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/submit", submitHandler(engine))

	srv := &http.Server{Addr: getenv("KAPTEN_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("kapten started", "addr", srv.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

type submitBody struct {
	Pipeline    string         `json:"pipeline"`
	Graph       string         `json:"graph"`
	Task        string         `json:"task"`
	Parameters  map[string]any `json:"parameters"`
	IgnoreCache bool           `json:"ignore_cache"`
	SubsetMode  bool           `json:"subset_mode"`
	SubsetKeys  []string       `json:"subset_keys"`
}

func submitHandler(engine *cache.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if body.Pipeline == "" || body.Graph == "" || body.Task == "" {
			http.Error(w, "pipeline, graph and task are required", http.StatusBadRequest)
			return
		}
		status, err := engine.Submit(r.Context(), cache.SubmitRequest{
			Pipeline:    body.Pipeline,
			Graph:       body.Graph,
			Task:        body.Task,
			Parameters:  body.Parameters,
			IgnoreCache: body.IgnoreCache,
			SubsetMode:  body.SubsetMode,
			SubsetKeys:  body.SubsetKeys,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
	}
}

// openStore selects the local (bbolt) or remote (DynamoDB) State Store
// back-end per the pipeline configuration's settings.db (spec §6).
func openStore(ctx context.Context, reg *registry.Registry, meter metric.Meter) (store.Store, error) {
	switch reg.Settings.DB {
	case "dynamodb":
		return store.OpenRemote(ctx, store.RemoteConfig{
			TableName:  getenv("DYNAMODB_TABLE_NAME", "kapten"),
			StorageKey: getenv("KAPTEN_STORAGE_KEY", reg.Settings.StorageKey),
			Region:     getenv("AWS_REGION", "us-east-1"),
			Endpoint:   os.Getenv("DYNAMODB_ENDPOINT"),
		})
	default:
		return store.OpenLocal(getenv("KAPTEN_DB_PATH", "./kapten.db"), meter)
	}
}

// openBinding selects the degenerate synchronous binding or the
// resilience-wrapped remote binding per settings.flow-type (spec §6).
func openBinding(reg *registry.Registry) runtimebinding.Binding {
	if reg.Settings.FlowType != "deployment" {
		return runtimebinding.NewLocal(getenvInt("KAPTEN_MAX_CONCURRENCY", 8))
	}
	webhook := os.Getenv("KAPTEN_DEPLOYMENT_WEBHOOK")
	runner := func(ctx context.Context, name string, parameters, jobVariables map[string]any) (any, error) {
		if webhook == "" {
			return nil, &runtimebinding.UnboundDeploymentError{Name: name}
		}
		payload, err := json.Marshal(map[string]any{
			"name": name, "parameters": parameters, "job_variables": jobVariables,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("deployment webhook: status %d", resp.StatusCode)
		}
		return nil, nil
	}
	return runtimebinding.NewRemoteBinding(runner,
		getenvInt("KAPTEN_RETRY_ATTEMPTS", 3), 500*time.Millisecond,
		getenvInt("KAPTEN_BURST_CAPACITY", 10), 5.0,
		getenvInt("KAPTEN_QUEUE_SIZE", 50), 200*time.Millisecond,
	)
}

func startRetention(reg *registry.Registry, st store.Store, meter metric.Meter) *retention.Sweeper {
	cronExpr := os.Getenv("KAPTEN_RETENTION_CRON")
	if cronExpr == "" {
		return nil
	}
	ttl := getenvDuration("KAPTEN_RETENTION_TTL", time.Hour)
	sweeper, err := retention.New(cronExpr, ttl, func(ctx context.Context) ([]retention.Record, error) {
		// internal/store.Store exposes no full scan; a production deployment
		// wires this against the local bucket or the remote GSI directly.
		return nil, nil
	}, meter)
	if err != nil {
		slog.Warn("retention sweeper disabled", "error", err)
		return nil
	}
	sweeper.Start()
	return sweeper
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
