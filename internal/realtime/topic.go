package realtime

import "strings"

// Topic names a collection that clients subscribe to.
type Topic string

func TaskTopic(taskID string) Topic       { return Topic("task:" + taskID) }
func UserTopic(userID string) Topic       { return Topic("user:" + userID) }
func ProjectTopic(projectID string) Topic { return Topic("project:" + projectID) }

// Valid reports whether t has a known prefix and a non-empty key.
func (t Topic) Valid() bool {
	for _, prefix := range []string{"task:", "user:", "project:"} {
		if key, ok := strings.CutPrefix(string(t), prefix); ok {
			return key != ""
		}
	}
	return false
}
