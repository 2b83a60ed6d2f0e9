package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gotchoices/optimystic/internal/block"
)

// ErrContextNotYetVisible is returned by Get when the caller's
// ActionContext names a revision or committed action this peer hasn't
// caught up to yet. Repo keeps materialized state for the latest
// revision only (not a full per-revision history), so rather than
// attempt a historical replay it asks the caller to retry once
// replication/repair has caught this peer up to the requested view.
var ErrContextNotYetVisible = errors.New("repo: requested context not yet visible at this peer")

// StaleFailure is returned by Pend and Commit when an action cannot be
// staged or applied as the caller asked: Missing names committed
// actions the caller's view of the collection hadn't caught up to,
// and Pending names actions already staged against a block the
// caller's own Pend also touched (each entry's Transforms is populated
// only under block.PolicyReturn; under PolicyFail the entries name the
// conflicting actions with empty Transforms).
type StaleFailure struct {
	ActionID block.ActionID
	Missing  []block.ActionTransforms
	Pending  []block.ActionPending
}

func (e *StaleFailure) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		ids := make([]string, 0, len(e.Missing))
		for _, at := range e.Missing {
			ids = append(ids, string(at.ActionID))
		}
		parts = append(parts, fmt.Sprintf("missing [%s]", strings.Join(ids, ", ")))
	}
	if len(e.Pending) > 0 {
		ids := make([]string, 0, len(e.Pending))
		for _, ap := range e.Pending {
			ids = append(ids, string(ap.ActionID))
		}
		parts = append(parts, fmt.Sprintf("pending [%s]", strings.Join(ids, ", ")))
	}
	return fmt.Sprintf("repo: action %s is stale: %s", e.ActionID, strings.Join(parts, ", "))
}
