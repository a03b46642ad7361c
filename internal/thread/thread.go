// Package thread rebuilds two-tier comment threads from a flat, creation-ordered list.
package thread

import "huddle/api/internal/store"

type Thread struct {
	Root       store.Comment   `json:"root"`
	Replies    []store.Comment `json:"replies"`
	ReplyCount int             `json:"replyCount"`
}

type View struct {
	Threads []Thread `json:"threads"`
	// Orphans are replies whose root comment has been deleted.
	Orphans []store.Comment `json:"orphans"`
}

// Build groups comments under their roots. Input order is preserved for both roots and
// replies, so a creation-ordered list yields creation-ordered threads.
func Build(comments []store.Comment) View {
	view := View{Threads: make([]Thread, 0), Orphans: make([]store.Comment, 0)}
	position := map[string]int{}
	for _, c := range comments {
		if c.IsRoot() {
			position[c.ID] = len(view.Threads)
			view.Threads = append(view.Threads, Thread{Root: c, Replies: make([]store.Comment, 0)})
		}
	}
	for _, c := range comments {
		if c.IsRoot() {
			continue
		}
		i, ok := position[*c.ParentID]
		if !ok {
			view.Orphans = append(view.Orphans, c)
			continue
		}
		view.Threads[i].Replies = append(view.Threads[i].Replies, c)
		view.Threads[i].ReplyCount++
	}
	return view
}

// RootOf returns the id a reply to target must point at: target itself when it is a root,
// otherwise target's parent.
func RootOf(target store.Comment) string {
	if target.IsRoot() {
		return target.ID
	}
	return *target.ParentID
}
