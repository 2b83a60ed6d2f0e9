package transactor

import (
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gotchoices/optimystic/internal/block"
)

// IncompleteReadError is returned by Get when no member of the cohort
// for a block could answer, and by GetMany when one or more of the
// requested blocks could not be read; Failed is populated only in the
// multi-block case, naming each unreadable block and its cause.
type IncompleteReadError struct {
	CollectionID block.ID
	BlockID      block.ID
	Failed       map[block.ID]error
	Cohort       []peer.ID
	Cause        error
}

func (e *IncompleteReadError) Error() string {
	if len(e.Failed) > 0 {
		parts := make([]string, 0, len(e.Failed))
		for id, err := range e.Failed {
			parts = append(parts, fmt.Sprintf("%s(%v)", id, err))
		}
		return fmt.Sprintf("transactor: incomplete read of %s: %d block(s) unread: %s",
			e.CollectionID, len(e.Failed), strings.Join(parts, "; "))
	}
	return fmt.Sprintf("transactor: incomplete read of %s/%s, no peer in cohort of %d responded: %v",
		e.CollectionID, e.BlockID, len(e.Cohort), e.Cause)
}

func (e *IncompleteReadError) Unwrap() error { return e.Cause }

// StaleFailure aggregates per-peer failures encountered while staging
// or committing a transaction, for actionID.
type StaleFailure struct {
	ActionID block.ActionID
	Failures map[peer.ID]error
}

func (e *StaleFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for p, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", p, err))
	}
	return fmt.Sprintf("transactor: action %s failed against %d peer(s): %s", e.ActionID, len(e.Failures), strings.Join(parts, "; "))
}

// IntegrityError reports that cohort members disagree on a block's
// materialized state: at least two distinct non-nil payloads were
// observed for the same BlockID within a single Get's cohort fan-out.
// Get never returns this to its caller directly (it resolves the
// disagreement by majority and repairs the minority in the
// background); it is
// exported so callers that want to observe or alert on divergence can
// type-assert errors.As against it from a wrapped warning log.
type IntegrityError struct {
	CollectionID block.ID
	BlockID      block.ID
	Variants     int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("transactor: integrity: %s/%s has %d disagreeing materialized variants across its cohort",
		e.CollectionID, e.BlockID, e.Variants)
}
