// Package access decides who may change which collaboration records.
package access

type Action string

const (
	ActionDeleteComment      Action = "delete_comment"
	ActionRemoveReaction     Action = "remove_reaction"
	ActionMutateNotification Action = "mutate_notification"
)

// Principal is the caller. Authenticated is false in local-only mode, where UserID may
// still be supplied by the client but is not verified.
type Principal struct {
	UserID        string
	Authenticated bool
}

// Can reports whether p may perform action on a record owned by ownerID. Without an
// identity provider comment and reaction removal are unrestricted; notifications always
// belong to their recipient.
func Can(p Principal, action Action, ownerID string) bool {
	switch action {
	case ActionDeleteComment, ActionRemoveReaction:
		if !p.Authenticated {
			return true
		}
		return p.UserID != "" && p.UserID == ownerID
	case ActionMutateNotification:
		return p.UserID != "" && p.UserID == ownerID
	default:
		return false
	}
}
