package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedBy string
	CreatedAt time.Time
}

type WorkspaceMember struct {
	WorkspaceID string
	UserID      string
	Role        string
	JoinedAt    time.Time
}

type Project struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	Priority    string
	Position    float64
	AssigneeID  string
	DueDate     *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskPlacement pairs a task with a replacement ordering key during a
// renumbering pass.
type TaskPlacement struct {
	TaskID   string
	Position float64
}

type Subtask struct {
	ID        string
	TaskID    string
	Title     string
	Done      bool
	Position  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SubtaskPlacement struct {
	SubtaskID string
	Position  float64
}

// Message is one unit of chat content. Exactly one of WorkspaceID,
// ProjectID, ReceiverID or ParentID is set and names the conversation
// context. Delivery status is not stored here: it is client-local state
// derived per recipient.
type Message struct {
	ID          string
	SenderID    string
	SenderName  string
	Content     string
	WorkspaceID string
	ProjectID   string
	ReceiverID  string
	ParentID    string
	IsPinned    bool
	ReplyCount  int
	DeliveredAt *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DMConversation is one direct-message thread as seen from one user's
// side: the partner plus the newest message between the pair.
type DMConversation struct {
	PartnerID   string
	PartnerName string
	LastMessage Message
}

type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	UserName  string
	Emoji     string
	CreatedAt time.Time
}

// ReadCursor records the newest message a user has reported read within one
// conversation context. One row per (user, context); the message id is
// overwritten as the cursor advances.
type ReadCursor struct {
	UserID      string
	WorkspaceID string
	ProjectID   string
	ReceiverID  string
	MessageID   string
	LastReadAt  time.Time
}
