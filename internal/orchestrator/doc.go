// Package orchestrator answers requests by decomposing them into a graph of
// sub-tasks, routing each to a capability, executing the graph in bounded
// parallel batches and synthesizing one answer from the results.
//
// A request moves through Decomposing, Routing, Executing and Synthesizing
// to Done, or to Failed when the plan is invalid or execution deadlocks.
// Every other failure degrades instead of aborting: decomposition falls
// back to a single sub-task, failed sub-tasks are recorded and passed on to
// their dependents, and synthesis falls back to concatenating results.
//
// Example usage:
//
//	orch := orchestrator.New(gen, skills, rt, breakers, tracer, orchestrator.Options{})
//	resp, err := orch.Execute(ctx, orchestrator.Request{Text: "Plan a day in Oslo"}, nil)
package orchestrator
