// Command worker runs one process combining every runtime component: the
// stepper (C4) claiming run-queue jobs, the continuation handler applying
// remote results, and the gateway's executor WebSocket endpoint (C3). It
// registers every builtin node executor (condition, parallel.join,
// connector.action, agent.execute, http.request, shell.run) plus the bounded
// agent loop (agent.run) into the stepper before starting the worker loops,
// and seeds one demo workflow so the process does something observable with
// no external configuration at all.
//
// # Configuration
//
// Environment variables:
//
//	WORKER_WS_ADDR     - executor WebSocket listen address (default ":8081")
//	WORKER_IDLE        - queue poll interval when idle (default "250ms")
//	REDIS_URL          - enables the Redis-backed queues and orphan store
//	                     (default: in-memory)
//	REDIS_PASSWORD     - Redis password (optional)
//	MONGO_URI          - enables the Mongo-backed durable store (default:
//	                     in-memory)
//	MONGO_DATABASE     - MongoDB database name (default "workflow_core")
//	WORKER_CONFIG_FILE - path to a YAML file of the spec §6 operator knobs
//	                     (runtime/config.OperatorConfig), including the
//	                     run-queue and continuation-queue worker pool sizes;
//	                     unset or missing is equivalent to every knob left
//	                     at its default (pool size 1)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vespid-ai/workflow-core/features/builtin"
	"github.com/vespid-ai/workflow-core/runtime/agentloop"
	"github.com/vespid-ai/workflow-core/runtime/config"
	"github.com/vespid-ai/workflow-core/runtime/gateway"
	"github.com/vespid-ai/workflow-core/runtime/gateway/redisgw"
	"github.com/vespid-ai/workflow-core/runtime/gateway/wsproto"
	"github.com/vespid-ai/workflow-core/runtime/queue"
	"github.com/vespid-ai/workflow-core/runtime/queue/memqueue"
	"github.com/vespid-ai/workflow-core/runtime/queue/redisqueue"
	"github.com/vespid-ai/workflow-core/runtime/run"
	"github.com/vespid-ai/workflow-core/runtime/stepper"
	"github.com/vespid-ai/workflow-core/runtime/store"
	"github.com/vespid-ai/workflow-core/runtime/store/memstore"
	"github.com/vespid-ai/workflow-core/runtime/store/mongostore"
	"github.com/vespid-ai/workflow-core/runtime/telemetry"
	"github.com/vespid-ai/workflow-core/runtime/workflow"
)

const demoWorkflowID = "wf_demo"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewSlogLogger(slog.Default())
	metrics := telemetry.NewNoopMetrics()

	opCfg, err := config.Load(os.Getenv("WORKER_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("worker: load config: %w", err)
	}

	st, closeStore, err := buildStore(ctx)
	if err != nil {
		return fmt.Errorf("worker: build store: %w", err)
	}
	defer closeStore()

	runQueue, continuations, orphans, err := buildQueues()
	if err != nil {
		return fmt.Errorf("worker: build queues: %w", err)
	}

	registry := gateway.NewRegistry(opCfg.SelectionStrategy())
	gw := gateway.NewGateway(registry, &queueNotifier{continuations: continuations}, orphans, logger, metrics)

	workflows := workflow.NewStaticLoader()
	seedDemoWorkflow(workflows)

	executors := stepper.NewRegistry()
	builtin.Register(executors, unavailableShellSandbox{})
	executors.Register(workflow.NodeAgentRun, &agentloop.Loop{
		Client:       agentloop.NewRateLimitedClient(demoLLMClient{}, 60000, 120000),
		Tools:        agentloop.NewRegistry(),
		Schemas:      agentloop.NewSchemaCache(),
		Stream:       opCfg.AgentLoop.StreamConfigOrDefault(),
		SkillsLimits: opCfg.AgentLoop.ToolsetSkillsLimitsOrDefault(),
	})

	stp := stepper.NewStepper(st, workflows, executors, gw, runQueue, continuations, logger, metrics)
	stp.EventPayloadMaxChars = opCfg.EventPayloadMaxCharsOrDefault()
	stp.DefaultNodeExecTimeoutMs = opCfg.NodeExecTimeoutMs()
	stp.MaxAttempts = opCfg.RetryAttempts()
	cont := stepper.NewContinuationHandler(st, gw, runQueue, continuations, logger)
	cont.PollInterval = opCfg.ContinuationPollInterval()

	idle := envDurationOr("WORKER_IDLE", 250*time.Millisecond)
	go stp.RunWorkerPool(ctx, opCfg.RunConcurrency(), idle)
	go cont.RunWorkerPool(ctx, opCfg.ContinuationConcurrency(), idle)

	if err := seedDemoRun(ctx, st, runQueue); err != nil {
		logger.Warn(ctx, "worker: seed demo run failed", "error", err)
	}

	wsAddr := envOr("WORKER_WS_ADDR", ":8081")
	wsServer := wsproto.NewServer(gw, registry.AuthenticateToken, &runEventSink{store: st}, logger)
	httpServer := &http.Server{Addr: wsAddr, Handler: wsServer}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Printf("worker: executor endpoint listening on %s", wsAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// buildStore selects mongostore when MONGO_URI is set, falling back to an
// in-process memstore otherwise. The returned close func is always safe to
// defer, even for the memory backend.
func buildStore(ctx context.Context) (store.Store, func(), error) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return memstore.New(), func() {}, nil
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	st, err := mongostore.New(ctx, mongostore.Options{
		Client:   client,
		Database: envOr("MONGO_DATABASE", "workflow_core"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init mongostore: %w", err)
	}
	return st, func() { _ = client.Disconnect(context.Background()) }, nil
}

// buildQueues selects Redis-backed queues and orphan buffering when
// REDIS_URL is set, falling back to in-process memqueue/no orphan buffering
// otherwise.
func buildQueues() (queue.Queue, queue.Queue, gateway.OrphanStore, error) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		return memqueue.New(), memqueue.New(), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	runQueue := redisqueue.New(rdb, queue.RunJobQueueName)
	continuations := redisqueue.New(rdb, queue.ContinuationQueueName)
	orphans := redisgw.NewOrphanStore(rdb, "gw:orphan")
	return runQueue, continuations, orphans, nil
}

// queueNotifier bridges C3's ResultNotifier contract to C2 by enqueuing a
// remote.apply continuation job, the push half of the push/poll pair
// runtime/stepper/continuation.go's ContinuationHandler consumes. It cannot
// live in runtime/gateway itself: runtime/queue already imports
// runtime/gateway for the Result/RemoteEvent payload types, so the reverse
// import would cycle.
type queueNotifier struct {
	continuations queue.Queue
}

func (n *queueNotifier) NotifyApply(ctx context.Context, runID, requestID string, result gateway.Result) error {
	job := queue.ContinuationJob{Kind: queue.ContinuationApply, RunID: runID, RequestID: requestID, Result: &result}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queueNotifier: marshal continuation job: %w", err)
	}
	return n.continuations.Enqueue(ctx, queue.ApplyJobID(requestID), payload, 0)
}

// runEventSink adapts store.Store to gateway.EventSink so remote.event
// frames land in the run's durable event log the same way node-local events
// do.
type runEventSink struct {
	store store.Store
}

func (s *runEventSink) AppendRemoteEvent(ctx context.Context, runID string, ev gateway.RemoteEvent) error {
	return s.store.AppendEvent(ctx, run.Event{
		RunID: runID, EventType: run.EventRemoteEvent, Message: ev.Message, Payload: ev.Payload,
	})
}

// unavailableShellSandbox backs the shell.run node executor when no real
// sandbox backend (Docker/host, an external collaborator per this module's
// scope) is configured; OrganizationSettings.ShellRunEnabled defaults to
// false, so in practice this is never reached outside of a future org
// settings provider turning the gate on without also wiring a sandbox.
type unavailableShellSandbox struct{}

func (unavailableShellSandbox) ExecuteShellTask(_ context.Context, _, _ string, _ agentloop.ShellTaskArgs) (agentloop.ShellResult, error) {
	return agentloop.ShellResult{}, errors.New("worker: no shell sandbox backend configured")
}

// demoLLMClient is a deterministic stand-in for a real provider client,
// grounded on the teacher's cmd/demo stubPlanner: it always answers with a
// final envelope on the first turn so the agent.run node type is exercisable
// without external credentials.
type demoLLMClient struct{}

func (demoLLMClient) Complete(_ context.Context, req agentloop.Request, onDelta agentloop.DeltaFunc) (agentloop.Response, error) {
	const text = `{"type":"final","output":"hello from the agent loop"}`
	if onDelta != nil {
		onDelta(text)
	}
	return agentloop.Response{Content: text, Provider: "demo", Model: "demo-echo"}, nil
}

func seedDemoWorkflow(loader *workflow.StaticLoader) {
	helloConfig, _ := json.Marshal(map[string]any{
		"instructions": "Greet the caller.",
	})
	loader.Put(workflow.Workflow{
		ID:      demoWorkflowID,
		Name:    "demo-agent-greeting",
		Version: 1,
		Status:  workflow.StatusPublished,
		DSL: workflow.DSL{
			Version: workflow.DSLLinear,
			Linear: []workflow.Node{
				{ID: "greet", Type: workflow.NodeAgentRun, Config: helloConfig},
			},
		},
	})
}

func seedDemoRun(ctx context.Context, st store.Store, runQueue queue.Queue) error {
	r, err := st.CreateRun(ctx, run.WorkflowRun{
		ID:          "run_demo_1",
		WorkflowID:  demoWorkflowID,
		TriggerType: "manual",
		Input:       json.RawMessage(`{}`),
		MaxAttempts: 5,
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(queue.RunJob{RunID: r.ID, WorkflowID: r.WorkflowID})
	if err != nil {
		return err
	}
	return runQueue.Enqueue(ctx, queue.RunJobID(r.ID), payload, 0)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
