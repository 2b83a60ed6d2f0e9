// Package transactor implements the Transactor: the client-facing
// get/pend/commit/cancel surface that drives a Batch
// Coordinator fan-out to stage a transaction's transforms, then drives
// Coordinator Consensus to promise and commit them, treating the commit
// at the coordinator of the log's tail block (visited right after the
// header block's coordinator) as the transaction's linearization
// point. Cancel is best-effort: it fans a cancel request out to every
// cohort member and logs, rather than returns, individual failures;
// CancelAsync runs it in the background so the caller never waits.
package transactor
