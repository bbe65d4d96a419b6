package mapper

import (
	"github.com/storyforge/adosync/internal/ado"
	"github.com/storyforge/adosync/internal/store"
)

// Diff compares two versions of a story and emits the JSON Patch operations
// needed to bring the remote work item in line with the after version.
//
// Fields are compared in a fixed order (status, priority, title,
// description, why, assignee) so the output is deterministic. An assignee
// transition to absent emits a remove op rather than a replace.
//
// A local move to cancelled may carry a "blocked" signal for the remote
// side; the outbound engine owns that hook (see Outbound.OnStatusRemoved)
// and the diff emits only the plain state transition.
func (m *Mapper) Diff(before, after *store.Story) []ado.PatchOp {
	var ops []ado.PatchOp

	replace := func(path string, value any) {
		ops = append(ops, ado.PatchOp{Op: "replace", Path: "/fields/" + path, Value: value})
	}

	if before.Status != after.Status {
		replace(ado.FieldState, m.StatusToRemoteState(after.Status))
	}
	if before.Priority != after.Priority {
		replace(ado.FieldPriority, m.LocalToRemotePriority(after.Priority))
	}
	if before.Title != after.Title {
		replace(ado.FieldTitle, after.Title)
	}
	if before.Description != after.Description {
		replace(ado.FieldDescription, WrapHTML(after.Description))
	}
	if before.Why != after.Why {
		replace(ado.FieldAcceptanceCriteria, WrapHTML(after.Why))
	}
	if before.AssignedTo != after.AssignedTo {
		if after.AssignedTo == "" {
			ops = append(ops, ado.PatchOp{Op: "remove", Path: "/fields/" + ado.FieldAssignedTo})
		} else {
			replace(ado.FieldAssignedTo, after.AssignedTo)
		}
	}

	return ops
}
