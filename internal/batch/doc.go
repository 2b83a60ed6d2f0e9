// Package batch implements the Batch Coordinator: grouping a
// transaction's per-block operations by the peer that coordinates each
// block, dispatching one batch per peer concurrently, and retrying
// failed batches by attaching the retries to the batch that failed
// (subsumedBy). A retry that itself fails gets its own retries attached
// to it, so the retry accounting nests one level per failed attempt;
// retries are not re-attached to the original root batch.
package batch
