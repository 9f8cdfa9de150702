// Package tui renders switchboard output for terminals.
//
// RunRequest shows a spinner and the orchestrator's progress statuses while a
// request executes; quitting the view cancels the request. RenderTraces and
// RenderTrace format persisted traces for the traces command.
//
//	resp, err := tui.RunRequest(ctx, "Asking", func(ctx context.Context, progress orchestrator.Progress) (orchestrator.Response, error) {
//	    return orch.Execute(ctx, req, progress)
//	})
package tui
