// Package exec runs a compiled plan.Graph against batches of root values.
//
// # Overview
//
// A Batch is one execution pass: an ordered list of root values (one per row)
// plus one context value shared by all rows. The executor guarantees that a
// batch of N roots yields exactly N outcomes, in root order, each of them
// independently a value or an error.
//
// # Scopes and result caching
//
// Every row being resolved at a position of the result tree is a Scope. Root
// scopes are created by NewBatch; Batch.Items opens child scopes, one per
// element of a list, on the layer introduced by an Item step.
//
// Each scope carries PlanResults: a map from path identity to Bucket, and
// each Bucket memoizes step results for that row on that layer. A child scope
// receives a shallow copy of its parent's map:
//   - buckets of ancestor layers are shared by reference, so a root-layer step
//     resolved from one list element is reused by its siblings;
//   - the bucket of the new layer belongs to the child alone, so values
//     computed for one element never leak into another.
//
// Steps are stored in the bucket of their own layer (the path identity the
// compiler assigned), not in the bucket of the scope that asked for them.
//
// # Resolution
//
// Batch.Resolve walks the dependency graph on demand:
//
//  1. Scopes whose bucket already holds the step's result are answered from
//     the cache.
//  2. Scopes for which another caller is already executing the step (same
//     step, same bucket) wait for that in-flight outcome instead of invoking
//     the step again.
//  3. The remaining scopes are executed together: dependencies are resolved
//     first (sync-and-safe ones inline, others on their own goroutines while
//     the concurrency budget allows), rows whose dependencies failed settle
//     with that error, and the step is called once for all remaining rows.
//
// Per step and bucket the state moves Pending → Executing → Settled; a
// settled result is never recomputed within the batch.
//
// # Side effects and cancellation
//
// Steps with HasSideEffects run for every scope of their layer as soon as the
// layer's scopes exist, whether or not anything reads their result, in plan
// order. If ctx is cancelled, rows whose step has not been issued yet settle
// with ctx.Err(); a side-effect step that was already issued keeps running
// with a context that is not cancelled.
package exec
