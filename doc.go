// Package gantry provides a durable workflow engine for Go built on an
// append-only event history with deterministic replay.
//
// Gantry is designed for orchestration that has to survive crashes: actor
// placement, fleet lifecycle, long-lived state machines. Workflow code runs
// from the top on every wake; completed operations replay from history
// instead of re-executing, so a workflow function is an ordinary Go function
// that happens to be resumable.
//
// # Core Concepts
//
//  1. Store
//  2. Registry and Engine
//  3. Worker
//  4. Client
//
// # Store
//
// The Store persists workflow rows, event history, signals and wake
// conditions in single transactions against a pluggable key-value substrate:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL (serializable isolation)
//
// All backends provide optimistic transactions with read-conflict detection,
// so concurrent workers and API callers never see torn workflow state.
//
// # Registry and Engine
//
// Workflows and activities register by name. A workflow is a function from a
// WorkflowCtx to a JSON output; everything with a side effect goes through
// ctx.Activity so replay stays deterministic. The context offers durable
// sleeps, signal listens, sub-workflow dispatch, loops with history
// forgetting, and version gates for upgrading running workflows.
//
// # Worker
//
// Workers pull due workflows under a lease, run them through the engine, and
// commit the outcome: output, a new wake condition, or a failure with
// backoff. Leases are refreshed while a workflow runs and swept when a
// worker dies, so another instance picks the workflow up and replays.
//
// # Client
//
// The Client is the embedding surface: dispatch workflows, send signals,
// wait for outputs, list and inspect history, silence and wake. The gantryd
// daemon wraps the same pieces with a YAML config, a runner websocket
// gateway, a datacenter scaler, and a prometheus endpoint.
//
// Minimal usage:
//
//	reg := gantry.NewRegistry()
//	_ = reg.RegisterWorkflow("greet", func(c *gantry.WorkflowCtx) (json.RawMessage, error) {
//		sig, err := c.Listen("name")
//		if err != nil {
//			return nil, err
//		}
//		return sig.Body, nil
//	})
//
//	log := gantry.DefaultLogger()
//	store := gantry.NewStore(gantry.NewMemoryDB(), log)
//	eng := gantry.NewEngine(store, reg, log)
//	w := gantry.NewWorker(gantry.WorkerConfig{}, store, eng, log)
//	go w.Run(ctx)
//
//	client := gantry.NewClient(store, log)
//	id, _ := client.Dispatch(ctx, "greet", nil, gantry.DispatchOptions{})
//	_ = client.Signal(ctx, id, "name", "world")
//	out, _ := client.Wait(ctx, id)
package gantry
