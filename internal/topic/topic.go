// Package topic derives the canonical broadcast channel name for a
// conversational context. The same context always yields the same string, so
// publishers and subscribers agree on the channel without coordination.
package topic

import "strings"

// Context describes where a message lives. Exactly one of the context fields
// is expected to be set; when several are, resolution priority is
// thread > workspace > project > direct conversation. UserID identifies the
// caller and is required for direct conversations and the self fallback.
type Context struct {
	ThreadID    string
	WorkspaceID string
	ProjectID   string
	ReceiverID  string
	UserID      string
}

// For resolves ctx to its canonical topic string.
func For(ctx Context) string {
	switch {
	case ctx.ThreadID != "":
		return Thread(ctx.ThreadID)
	case ctx.WorkspaceID != "":
		return Workspace(ctx.WorkspaceID)
	case ctx.ProjectID != "":
		return Project(ctx.ProjectID)
	case ctx.ReceiverID != "" && ctx.UserID != "":
		return DM(ctx.UserID, ctx.ReceiverID)
	default:
		return Self(ctx.UserID)
	}
}

func Thread(parentMessageID string) string {
	return "thread:" + parentMessageID
}

func Workspace(workspaceID string) string {
	return "workspace:" + workspaceID
}

func Project(projectID string) string {
	return "project:" + projectID
}

// DM names the conversation between two users. The pair is lowercased and
// sorted before joining so both participants resolve to the identical
// string regardless of who is sending; user IDs are lowercase hex already,
// the fold guards against backends that store them case-insensitively.
func DM(a, b string) string {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// Self is the per-user fallback channel, used to converge a sender's own
// views (e.g. the sender's DM pane on another device).
func Self(userID string) string {
	return "user:" + userID
}
