// Package group fans a single file out to several recipients at once.
//
// Each recipient gets an isolated transfer session with its own keys and
// lifecycle, driven by its own goroutine; the orchestrator only
// aggregates their progress and outcomes. A group finishes completed
// (everyone got the file), partial, or failed.
//
//	o := group.NewOrchestrator(group.DefaultConfig(), queue, mgr)
//	gt, err := o.Start(ctx, f, size, "photo.jpg", recipients)
//	if err != nil {
//		return err
//	}
//	result := gt.Wait()
package group
