package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tandem/api/internal/config"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/transport"
)

type fakeStore struct {
	getUserByIDFn          func(context.Context, string) (store.User, error)
	workspaceRoleFn        func(context.Context, string, string) (string, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	createMessageFn        func(context.Context, store.Message) (store.Message, error)
	getMessageFn           func(context.Context, string) (store.Message, error)
	listMessagesFn         func(context.Context, store.MessageFilter) ([]store.Message, error)
	listDMConversationsFn  func(context.Context, string) ([]store.DMConversation, error)
	updateMessageContentFn func(context.Context, string, string) (store.Message, error)
	setMessagePinnedFn     func(context.Context, string, bool) (store.Message, error)
	setMessageDeliveredFn  func(context.Context, string) (store.Message, error)
	countMessageRepliesFn  func(context.Context, string) (int, error)
	tombstoneMessageFn     func(context.Context, string, string) (store.Message, error)
	deleteMessageFn        func(context.Context, string) error
	getReactionFn          func(context.Context, string, string, string) (store.Reaction, error)
	insertReactionFn       func(context.Context, store.Reaction) (store.Reaction, error)
	deleteReactionFn       func(context.Context, string) error
	listReactionsFn        func(context.Context, string) ([]store.Reaction, error)
	upsertReadCursorFn     func(context.Context, store.ReadCursor) error
	createTaskFn           func(context.Context, store.Task) (store.Task, error)
	getTaskFn              func(context.Context, string) (store.Task, error)
	listColumnTasksFn      func(context.Context, string, string) ([]store.Task, error)
	moveTaskFn             func(context.Context, string, string, float64, []store.TaskPlacement) (store.Task, error)
	listSubtasksFn         func(context.Context, string) ([]store.Subtask, error)
	moveSubtaskFn          func(context.Context, string, float64, []store.SubtaskPlacement) (store.Subtask, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Someone"}, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error  { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) { return false, nil }
func (f *fakeStore) CreateWorkspace(context.Context, store.Workspace) error     { return nil }
func (f *fakeStore) ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error) {
	return nil, nil
}
func (f *fakeStore) AddWorkspaceMember(context.Context, string, string, string) error { return nil }
func (f *fakeStore) WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	if f.workspaceRoleFn != nil {
		return f.workspaceRoleFn(ctx, workspaceID, userID)
	}
	return "member", nil
}
func (f *fakeStore) CreateProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, WorkspaceID: "ws_1"}, nil
}
func (f *fakeStore) ListProjects(context.Context, string) ([]store.Project, error) {
	return nil, nil
}
func (f *fakeStore) CreateTask(ctx context.Context, task store.Task) (store.Task, error) {
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, task)
	}
	return task, nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) ListTasks(context.Context, string) ([]store.Task, error) { return nil, nil }
func (f *fakeStore) ListColumnTasks(ctx context.Context, projectID, status string) ([]store.Task, error) {
	if f.listColumnTasksFn != nil {
		return f.listColumnTasksFn(ctx, projectID, status)
	}
	return nil, nil
}
func (f *fakeStore) MoveTask(ctx context.Context, taskID, status string, pos float64, renumbered []store.TaskPlacement) (store.Task, error) {
	if f.moveTaskFn != nil {
		return f.moveTaskFn(ctx, taskID, status, pos, renumbered)
	}
	return store.Task{ID: taskID, Status: status, Position: pos}, nil
}
func (f *fakeStore) UpdateTask(ctx context.Context, task store.Task) (store.Task, error) {
	return task, nil
}
func (f *fakeStore) DeleteTask(context.Context, string) error { return nil }
func (f *fakeStore) CreateSubtask(ctx context.Context, subtask store.Subtask) (store.Subtask, error) {
	return subtask, nil
}
func (f *fakeStore) GetSubtask(context.Context, string) (store.Subtask, error) {
	return store.Subtask{}, sql.ErrNoRows
}
func (f *fakeStore) ListSubtasks(ctx context.Context, taskID string) ([]store.Subtask, error) {
	if f.listSubtasksFn != nil {
		return f.listSubtasksFn(ctx, taskID)
	}
	return nil, nil
}
func (f *fakeStore) MoveSubtask(ctx context.Context, subtaskID string, pos float64, renumbered []store.SubtaskPlacement) (store.Subtask, error) {
	if f.moveSubtaskFn != nil {
		return f.moveSubtaskFn(ctx, subtaskID, pos, renumbered)
	}
	return store.Subtask{ID: subtaskID, Position: pos}, nil
}
func (f *fakeStore) UpdateSubtask(ctx context.Context, subtask store.Subtask) (store.Subtask, error) {
	return subtask, nil
}
func (f *fakeStore) DeleteSubtask(context.Context, string) error { return nil }
func (f *fakeStore) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	if f.createMessageFn != nil {
		return f.createMessageFn(ctx, m)
	}
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	return m, nil
}
func (f *fakeStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) ListDMConversations(ctx context.Context, userID string) ([]store.DMConversation, error) {
	if f.listDMConversationsFn != nil {
		return f.listDMConversationsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListMessages(ctx context.Context, filter store.MessageFilter) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) UpdateMessageContent(ctx context.Context, messageID, content string) (store.Message, error) {
	if f.updateMessageContentFn != nil {
		return f.updateMessageContentFn(ctx, messageID, content)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) SetMessagePinned(ctx context.Context, messageID string, pinned bool) (store.Message, error) {
	if f.setMessagePinnedFn != nil {
		return f.setMessagePinnedFn(ctx, messageID, pinned)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) SetMessageDelivered(ctx context.Context, messageID string) (store.Message, error) {
	if f.setMessageDeliveredFn != nil {
		return f.setMessageDeliveredFn(ctx, messageID)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) CountMessageReplies(ctx context.Context, messageID string) (int, error) {
	if f.countMessageRepliesFn != nil {
		return f.countMessageRepliesFn(ctx, messageID)
	}
	return 0, nil
}
func (f *fakeStore) TombstoneMessage(ctx context.Context, messageID, content string) (store.Message, error) {
	if f.tombstoneMessageFn != nil {
		return f.tombstoneMessageFn(ctx, messageID, content)
	}
	return store.Message{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteMessage(ctx context.Context, messageID string) error {
	if f.deleteMessageFn != nil {
		return f.deleteMessageFn(ctx, messageID)
	}
	return nil
}
func (f *fakeStore) GetReaction(ctx context.Context, messageID, userID, emoji string) (store.Reaction, error) {
	if f.getReactionFn != nil {
		return f.getReactionFn(ctx, messageID, userID, emoji)
	}
	return store.Reaction{}, sql.ErrNoRows
}
func (f *fakeStore) InsertReaction(ctx context.Context, reaction store.Reaction) (store.Reaction, error) {
	if f.insertReactionFn != nil {
		return f.insertReactionFn(ctx, reaction)
	}
	return reaction, nil
}
func (f *fakeStore) DeleteReaction(ctx context.Context, reactionID string) error {
	if f.deleteReactionFn != nil {
		return f.deleteReactionFn(ctx, reactionID)
	}
	return nil
}
func (f *fakeStore) ListReactions(ctx context.Context, messageID string) ([]store.Reaction, error) {
	if f.listReactionsFn != nil {
		return f.listReactionsFn(ctx, messageID)
	}
	return nil, nil
}
func (f *fakeStore) UpsertReadCursor(ctx context.Context, cursor store.ReadCursor) error {
	if f.upsertReadCursorFn != nil {
		return f.upsertReadCursorFn(ctx, cursor)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeBroadcaster struct {
	mu      sync.Mutex
	events  []transport.TopicEvent
	failErr error
}

func (f *fakeBroadcaster) Publish(_ context.Context, topic string, event transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.events = append(f.events, transport.TopicEvent{Topic: topic, Event: event})
	return nil
}

func (f *fakeBroadcaster) published() []transport.TopicEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.TopicEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.MessageRecord
	deleted []string
}

func (f *fakeSearch) Search(search.Query) search.Response { return search.Response{} }
func (f *fakeSearch) IndexMessage(record search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}
func (f *fakeSearch) DeleteMessage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestService(fs *fakeStore) (*Service, *fakeBroadcaster, *fakeSearch) {
	events := &fakeBroadcaster{}
	idx := &fakeSearch{}
	svc := &Service{
		cfg:      config.Config{EditWindow: 15 * time.Minute},
		store:    fs,
		events:   events,
		presence: nil,
		typing:   presence.NewTracker(time.Now),
		search:   idx,
		now:      time.Now,
	}
	return svc, events, idx
}

func testSession() Session {
	return Session{UserID: "usr_a", UserName: "Ada"}
}

func TestSendMessageBroadcastsAndIndexes(t *testing.T) {
	fs := &fakeStore{}
	svc, events, idx := newTestService(fs)

	payload, err := svc.SendMessage(context.Background(), testSession(), SendMessageInput{
		Content:         "hello team",
		ConversationRef: ConversationRef{WorkspaceID: "ws_1"},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if payload["content"] != "hello team" {
		t.Fatalf("expected canonical payload content, got %v", payload["content"])
	}

	published := events.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(published))
	}
	if published[0].Topic != "workspace:ws_1" {
		t.Fatalf("expected workspace topic, got %q", published[0].Topic)
	}
	if published[0].Event.Name != EventNewMessage {
		t.Fatalf("expected %s, got %q", EventNewMessage, published[0].Event.Name)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.indexed) != 1 || idx.indexed[0].Content != "hello team" {
		t.Fatalf("expected message to be indexed, got %+v", idx.indexed)
	}
}

func TestSendMessageSurvivesBroadcastFailure(t *testing.T) {
	fs := &fakeStore{}
	svc, events, _ := newTestService(fs)
	events.failErr = errors.New("redis down")
	var logs bytes.Buffer
	svc.logger = zerolog.New(&logs)

	payload, err := svc.SendMessage(context.Background(), testSession(), SendMessageInput{
		Content:         "hello team",
		ConversationRef: ConversationRef{WorkspaceID: "ws_1"},
	})
	if err != nil {
		t.Fatalf("a lost broadcast must not fail the send: %v", err)
	}
	if payload["content"] != "hello team" {
		t.Fatalf("expected canonical payload, got %v", payload["content"])
	}
	if !strings.Contains(logs.String(), "broadcast publish failed") {
		t.Errorf("expected a warn log for the lost broadcast, got %q", logs.String())
	}
}

func TestSendMessageDMAlsoReachesSenderChannel(t *testing.T) {
	fs := &fakeStore{}
	svc, events, _ := newTestService(fs)

	if _, err := svc.SendMessage(context.Background(), testSession(), SendMessageInput{
		Content:         "psst",
		ConversationRef: ConversationRef{ReceiverID: "usr_b"},
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	published := events.published()
	if len(published) != 2 {
		t.Fatalf("expected 2 events, got %d", len(published))
	}
	if published[0].Topic != "dm:usr_a:usr_b" {
		t.Fatalf("expected dm topic, got %q", published[0].Topic)
	}
	if published[1].Topic != "user:usr_a" {
		t.Fatalf("expected sender self topic, got %q", published[1].Topic)
	}
}

func TestSendMessageRequiresPostRole(t *testing.T) {
	fs := &fakeStore{
		workspaceRoleFn: func(context.Context, string, string) (string, error) { return "guest", nil },
	}
	svc, events, _ := newTestService(fs)

	_, err := svc.SendMessage(context.Background(), testSession(), SendMessageInput{
		Content:         "hi",
		ConversationRef: ConversationRef{WorkspaceID: "ws_1"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if len(events.published()) != 0 {
		t.Fatal("denied send must not broadcast")
	}
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})
	_, err := svc.SendMessage(context.Background(), testSession(), SendMessageInput{Content: "   "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestEditMessageRespectsWindow(t *testing.T) {
	created := time.Now().Add(-20 * time.Minute)
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", WorkspaceID: "ws_1", CreatedAt: created}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.EditMessage(context.Background(), testSession(), "msg_1", EditMessageInput{Content: "edited"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "EDIT_WINDOW_CLOSED" {
		t.Fatalf("expected EDIT_WINDOW_CLOSED, got %v", err)
	}
}

func TestEditMessageAuthorOnly(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_b", WorkspaceID: "ws_1", CreatedAt: time.Now()}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.EditMessage(context.Background(), testSession(), "msg_1", EditMessageInput{Content: "edited"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestEditMessageWithinWindowBroadcasts(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", WorkspaceID: "ws_1", CreatedAt: time.Now().Add(-time.Minute)}, nil
		},
		updateMessageContentFn: func(_ context.Context, messageID, content string) (store.Message, error) {
			return store.Message{ID: messageID, SenderID: "usr_a", WorkspaceID: "ws_1", Content: content, CreatedAt: time.Now(), UpdatedAt: time.Now()}, nil
		},
	}
	svc, events, idx := newTestService(fs)

	payload, err := svc.EditMessage(context.Background(), testSession(), "msg_1", EditMessageInput{Content: "edited"})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if payload["content"] != "edited" {
		t.Fatalf("expected edited content, got %v", payload["content"])
	}
	published := events.published()
	if len(published) != 1 || published[0].Event.Name != EventMessageUpdated {
		t.Fatalf("expected one %s event, got %+v", EventMessageUpdated, published)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.indexed) != 1 {
		t.Fatal("edit must reindex the message")
	}
}

func TestDeleteMessageTombstonesWhenRepliesExist(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", WorkspaceID: "ws_1", CreatedAt: now}, nil
		},
		countMessageRepliesFn: func(context.Context, string) (int, error) { return 2, nil },
		tombstoneMessageFn: func(_ context.Context, messageID, content string) (store.Message, error) {
			deleted := now
			return store.Message{ID: messageID, SenderID: "usr_a", WorkspaceID: "ws_1", Content: content, ReplyCount: 2, DeletedAt: &deleted, CreatedAt: now, UpdatedAt: now}, nil
		},
	}
	svc, events, idx := newTestService(fs)

	payload, err := svc.DeleteMessage(context.Background(), testSession(), "msg_1")
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if payload["content"] != "[deleted]" {
		t.Fatalf("expected tombstone content, got %v", payload["content"])
	}
	published := events.published()
	if len(published) != 1 || published[0].Event.Name != EventMessageDeleted {
		t.Fatalf("expected one %s event, got %+v", EventMessageDeleted, published)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.deleted) != 1 || idx.deleted[0] != "msg_1" {
		t.Fatal("tombstoned message must leave the search index")
	}
}

func TestDeleteMessageHardDeletesLeaf(t *testing.T) {
	removed := false
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", WorkspaceID: "ws_1", CreatedAt: time.Now()}, nil
		},
		deleteMessageFn: func(context.Context, string) error {
			removed = true
			return nil
		},
	}
	svc, events, _ := newTestService(fs)

	payload, err := svc.DeleteMessage(context.Background(), testSession(), "msg_1")
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if !removed {
		t.Fatal("expected hard delete")
	}
	if payload["id"] != "msg_1" {
		t.Fatalf("expected id payload, got %v", payload)
	}
	if _, ok := payload["content"]; ok {
		t.Fatal("hard delete payload should not carry content")
	}
	if len(events.published()) != 1 {
		t.Fatal("expected one delete event")
	}
}

func TestDeleteMessageAuthorOnly(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_b", WorkspaceID: "ws_1"}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.DeleteMessage(context.Background(), testSession(), "msg_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestToggleReactionAddsThenRemoves(t *testing.T) {
	reactions := map[string]store.Reaction{}
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_b", WorkspaceID: "ws_1", CreatedAt: time.Now()}, nil
		},
		getReactionFn: func(_ context.Context, messageID, userID, emoji string) (store.Reaction, error) {
			if r, ok := reactions[userID+emoji]; ok {
				return r, nil
			}
			return store.Reaction{}, sql.ErrNoRows
		},
		insertReactionFn: func(_ context.Context, r store.Reaction) (store.Reaction, error) {
			reactions[r.UserID+r.Emoji] = r
			return r, nil
		},
		deleteReactionFn: func(_ context.Context, reactionID string) error {
			for k, r := range reactions {
				if r.ID == reactionID {
					delete(reactions, k)
				}
			}
			return nil
		},
		listReactionsFn: func(context.Context, string) ([]store.Reaction, error) {
			out := make([]store.Reaction, 0, len(reactions))
			for _, r := range reactions {
				out = append(out, r)
			}
			return out, nil
		},
	}
	svc, events, _ := newTestService(fs)

	payload, err := svc.ToggleReaction(context.Background(), testSession(), "msg_1", "👍")
	if err != nil {
		t.Fatalf("ToggleReaction add: %v", err)
	}
	if len(payload["reactions"].([]map[string]any)) != 1 {
		t.Fatalf("expected one reaction after add, got %v", payload["reactions"])
	}

	payload, err = svc.ToggleReaction(context.Background(), testSession(), "msg_1", "👍")
	if err != nil {
		t.Fatalf("ToggleReaction remove: %v", err)
	}
	if len(payload["reactions"].([]map[string]any)) != 0 {
		t.Fatalf("expected empty reactions after toggle, got %v", payload["reactions"])
	}

	published := events.published()
	if len(published) != 2 {
		t.Fatalf("expected 2 events, got %d", len(published))
	}
	if published[0].Event.Name != EventReactionAdded || published[1].Event.Name != EventReactionRemoved {
		t.Fatalf("expected add then remove, got %s then %s", published[0].Event.Name, published[1].Event.Name)
	}
}

func TestMarkDeliveredRejectsSender(t *testing.T) {
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_a", WorkspaceID: "ws_1"}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	_, err := svc.MarkDelivered(context.Background(), testSession(), "msg_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestMarkReadUpsertsCursorAndBroadcasts(t *testing.T) {
	var cursor store.ReadCursor
	now := time.Now()
	fs := &fakeStore{
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg_1", SenderID: "usr_b", ReceiverID: "usr_a", CreatedAt: now}, nil
		},
		upsertReadCursorFn: func(_ context.Context, c store.ReadCursor) error {
			cursor = c
			return nil
		},
	}
	svc, events, _ := newTestService(fs)

	payload, err := svc.MarkRead(context.Background(), testSession(), "msg_1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if payload["status"] != "READ" || payload["readBy"] != "usr_a" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if cursor.UserID != "usr_a" || cursor.ReceiverID != "usr_b" || cursor.MessageID != "msg_1" {
		t.Fatalf("unexpected cursor %+v", cursor)
	}
	published := events.published()
	if len(published) != 1 || published[0].Event.Name != EventMessageRead {
		t.Fatalf("expected one %s event, got %+v", EventMessageRead, published)
	}
	if published[0].Topic != "dm:usr_a:usr_b" {
		t.Fatalf("expected dm topic, got %q", published[0].Topic)
	}
}

func TestListConversationsBuildsDMTopics(t *testing.T) {
	fs := &fakeStore{
		listDMConversationsFn: func(_ context.Context, userID string) ([]store.DMConversation, error) {
			if userID != "usr_a" {
				t.Fatalf("expected caller usr_a, got %s", userID)
			}
			return []store.DMConversation{
				{PartnerID: "usr_b", PartnerName: "Brook", LastMessage: store.Message{ID: "msg_9", SenderID: "usr_b", Content: "see you", ReceiverID: "usr_a"}},
			}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	items, err := svc.ListConversations(context.Background(), testSession())
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(items))
	}
	if items[0]["topic"] != "dm:usr_a:usr_b" {
		t.Errorf("expected canonical dm topic, got %v", items[0]["topic"])
	}
	partner := items[0]["partner"].(map[string]any)
	if partner["id"] != "usr_b" || partner["displayName"] != "Brook" {
		t.Errorf("unexpected partner payload: %v", partner)
	}
	last := items[0]["lastMessage"].(map[string]any)
	if last["id"] != "msg_9" {
		t.Errorf("expected last message msg_9, got %v", last["id"])
	}
}

func TestCanSubscribeEnforcesMembership(t *testing.T) {
	fs := &fakeStore{
		workspaceRoleFn: func(_ context.Context, workspaceID, _ string) (string, error) {
			if workspaceID == "ws_1" {
				return "member", nil
			}
			return "", sql.ErrNoRows
		},
		getMessageFn: func(_ context.Context, messageID string) (store.Message, error) {
			if messageID == "msg_parent" {
				return store.Message{ID: "msg_parent", WorkspaceID: "ws_1"}, nil
			}
			return store.Message{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(fs)
	session := testSession()
	ctx := context.Background()

	tests := []struct {
		topic string
		want  bool
	}{
		{"user:usr_a", true},
		{"user:usr_b", false},
		{"dm:usr_a:usr_b", true},
		{"dm:usr_b:usr_c", false},
		{"workspace:ws_1", true},
		{"workspace:ws_other", false},
		{"thread:msg_parent", true},
		{"thread:msg_unknown", false},
		{"bogus", false},
		{"workspace:", false},
	}
	for _, tt := range tests {
		if got := svc.CanSubscribe(ctx, session, tt.topic); got != tt.want {
			t.Errorf("CanSubscribe(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestTypingStartThrottles(t *testing.T) {
	svc, events, _ := newTestService(&fakeStore{})
	ref := ConversationRef{WorkspaceID: "ws_1"}

	svc.TypingStart(context.Background(), testSession(), ref)
	svc.TypingStart(context.Background(), testSession(), ref)

	published := events.published()
	if len(published) != 1 {
		t.Fatalf("expected second keystroke to be throttled, got %d events", len(published))
	}
	if published[0].Event.Name != EventUserTyping {
		t.Fatalf("expected %s, got %q", EventUserTyping, published[0].Event.Name)
	}
}

func TestTypingStopOnlyBroadcastsWhenLive(t *testing.T) {
	svc, events, _ := newTestService(&fakeStore{})
	ref := ConversationRef{WorkspaceID: "ws_1"}

	svc.TypingStop(context.Background(), testSession(), ref)
	if len(events.published()) != 0 {
		t.Fatal("stop without start must not broadcast")
	}

	svc.TypingStart(context.Background(), testSession(), ref)
	svc.TypingStop(context.Background(), testSession(), ref)
	published := events.published()
	if len(published) != 2 || published[1].Event.Name != EventUserStoppedTyping {
		t.Fatalf("expected typing then stopped, got %+v", published)
	}
}

func TestCreateTaskAppendsToColumn(t *testing.T) {
	var created store.Task
	fs := &fakeStore{
		listColumnTasksFn: func(context.Context, string, string) ([]store.Task, error) {
			return []store.Task{{ID: "tsk_1", Position: 1000}, {ID: "tsk_2", Position: 3000}}, nil
		},
		createTaskFn: func(_ context.Context, task store.Task) (store.Task, error) {
			created = task
			return task, nil
		},
	}
	svc, events, _ := newTestService(fs)

	_, err := svc.CreateTask(context.Background(), testSession(), "prj_1", CreateTaskInput{Title: "Ship it"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.Position != 4000 {
		t.Fatalf("expected append position 4000, got %v", created.Position)
	}
	if created.Status != "TODO" || created.Priority != "MEDIUM" {
		t.Fatalf("expected defaults, got %+v", created)
	}
	published := events.published()
	if len(published) != 1 || published[0].Topic != "project:prj_1" {
		t.Fatalf("expected project topic event, got %+v", published)
	}
}

func TestMoveTaskBetweenColumns(t *testing.T) {
	var gotStatus string
	var gotPos float64
	fs := &fakeStore{
		getTaskFn: func(context.Context, string) (store.Task, error) {
			return store.Task{ID: "tsk_1", ProjectID: "prj_1", Status: "TODO", Position: 1000}, nil
		},
		listColumnTasksFn: func(_ context.Context, _, status string) ([]store.Task, error) {
			if status != "IN_PROGRESS" {
				t.Fatalf("expected target column lookup, got %q", status)
			}
			return []store.Task{{ID: "tsk_2", Position: 2000}, {ID: "tsk_3", Position: 3000}}, nil
		},
		moveTaskFn: func(_ context.Context, taskID, status string, pos float64, renumbered []store.TaskPlacement) (store.Task, error) {
			gotStatus, gotPos = status, pos
			if len(renumbered) != 0 {
				t.Fatalf("no renumbering expected, got %v", renumbered)
			}
			return store.Task{ID: taskID, ProjectID: "prj_1", Status: status, Position: pos}, nil
		},
	}
	svc, events, _ := newTestService(fs)

	payload, err := svc.MoveTask(context.Background(), testSession(), "tsk_1", MoveTaskInput{Status: "IN_PROGRESS", Index: 1})
	if err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if gotStatus != "IN_PROGRESS" || gotPos != 2500 {
		t.Fatalf("expected IN_PROGRESS at 2500, got %s at %v", gotStatus, gotPos)
	}
	if payload["position"] != 2500.0 {
		t.Fatalf("expected payload position 2500, got %v", payload["position"])
	}
	published := events.published()
	if len(published) != 1 || published[0].Event.Name != EventTaskMoved {
		t.Fatalf("expected %s event, got %+v", EventTaskMoved, published)
	}
}

func TestMoveTaskRenumbersOnExhaustion(t *testing.T) {
	next := 1.0000000000000002
	var renumbered []store.TaskPlacement
	fs := &fakeStore{
		getTaskFn: func(context.Context, string) (store.Task, error) {
			return store.Task{ID: "tsk_1", ProjectID: "prj_1", Status: "TODO", Position: 9000}, nil
		},
		listColumnTasksFn: func(context.Context, string, string) ([]store.Task, error) {
			return []store.Task{{ID: "tsk_2", Position: 1}, {ID: "tsk_3", Position: next}}, nil
		},
		moveTaskFn: func(_ context.Context, taskID, status string, pos float64, placements []store.TaskPlacement) (store.Task, error) {
			renumbered = placements
			return store.Task{ID: taskID, ProjectID: "prj_1", Status: status, Position: pos}, nil
		},
	}
	svc, _, _ := newTestService(fs)

	if _, err := svc.MoveTask(context.Background(), testSession(), "tsk_1", MoveTaskInput{Status: "TODO", Index: 1}); err != nil {
		t.Fatalf("MoveTask: %v", err)
	}
	if len(renumbered) != 2 {
		t.Fatalf("expected both neighbours renumbered, got %v", renumbered)
	}
	if renumbered[0].TaskID != "tsk_2" || renumbered[0].Position != 1000 {
		t.Fatalf("unexpected first placement %+v", renumbered[0])
	}
	if renumbered[1].TaskID != "tsk_3" || renumbered[1].Position != 2000 {
		t.Fatalf("unexpected second placement %+v", renumbered[1])
	}
}

func TestRequireRoleHidesWorkspaceExistence(t *testing.T) {
	fs := &fakeStore{
		workspaceRoleFn: func(context.Context, string, string) (string, error) { return "", nil },
	}
	svc, _, _ := newTestService(fs)

	err := svc.requireRole(context.Background(), testSession(), "ws_missing", rbac.ActionRead)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-member, got %v", err)
	}
}

func TestCreateWorkspaceSlugFallback(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{})

	payload, err := svc.CreateWorkspace(context.Background(), testSession(), "Design Team!", "")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if payload["slug"] != "design-team" {
		t.Fatalf("expected slug design-team, got %v", payload["slug"])
	}
	if payload["role"] != "owner" {
		t.Fatalf("creator must be owner, got %v", payload["role"])
	}
}

func TestAddWorkspaceMemberNeverGrantsOwnership(t *testing.T) {
	fs := &fakeStore{
		workspaceRoleFn: func(context.Context, string, string) (string, error) { return "admin", nil },
	}
	svc, _, _ := newTestService(fs)

	err := svc.AddWorkspaceMember(context.Background(), testSession(), "ws_1", "usr_b", "owner")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}
