package lifecycle

import (
	"github.com/osagaming/avito-crm/internal/store"
)

// Action is an operator- or sweep-initiated chat transition.
type Action string

const (
	ActionTake         Action = "take"
	ActionReturn       Action = "return"
	ActionSend         Action = "send"
	ActionComplete     Action = "complete"
	ActionReopen       Action = "reopen"
	ActionBlock        Action = "block"
	ActionUnblock      Action = "unblock"
	ActionAutoComplete Action = "auto_complete"
)

// Allowed is the transition guard: whether the action is legal for a chat in
// the given status with or without an assignee. Ownership and content checks
// live in the manager; this table only rules on state.
func Allowed(a Action, status store.ChatStatus, assigned bool) bool {
	switch a {
	case ActionTake:
		return status == store.StatusActive && !assigned
	case ActionReturn:
		return status == store.StatusActive && assigned
	case ActionSend:
		return status == store.StatusActive
	case ActionComplete, ActionAutoComplete:
		return status == store.StatusActive
	case ActionReopen:
		return status == store.StatusCompleted
	case ActionBlock:
		return status == store.StatusActive || status == store.StatusCompleted
	case ActionUnblock:
		return status == store.StatusBlocked
	}
	return false
}
