package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tandem/api/internal/policy"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/topic"
	"tandem/api/internal/transport"
	"tandem/api/internal/util"
)

// Event names carried on the wire. Clients key their reconcilers off these.
const (
	EventNewMessage        = "new-message"
	EventMessageUpdated    = "message-updated"
	EventMessageDeleted    = "message-deleted"
	EventMessagePinned     = "message-pinned-toggled"
	EventMessageDelivered  = "message-delivered"
	EventMessageRead       = "message-read"
	EventReactionAdded     = "reaction-added"
	EventReactionRemoved   = "reaction-removed"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventPresenceSync      = "presence-sync"
)

// presenceTTL bounds how long a member stays visible without a heartbeat.
const presenceTTL = 45 * time.Second

// ConversationRef points at exactly one conversation. Resolution priority
// when several fields are set is thread, then workspace, then project,
// then direct message.
type ConversationRef struct {
	ParentID    string `json:"parentId"`
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
	ReceiverID  string `json:"receiverId"`
}

func (c ConversationRef) topicFor(userID string) string {
	return topic.For(topic.Context{
		ThreadID:    c.ParentID,
		WorkspaceID: c.WorkspaceID,
		ProjectID:   c.ProjectID,
		ReceiverID:  c.ReceiverID,
		UserID:      userID,
	})
}

type SendMessageInput struct {
	Content string `json:"content"`
	ConversationRef
}

// SendMessage persists a message and broadcasts it on the conversation's
// topic. The returned payload is the canonical row the sender's client
// swaps in for its optimistic placeholder.
func (s *Service) SendMessage(ctx context.Context, session Session, input SendMessageInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if input.WorkspaceID != "" && input.ParentID == "" {
		if err := s.requireRole(ctx, session, input.WorkspaceID, rbac.ActionPost); err != nil {
			return nil, err
		}
	}
	if input.ReceiverID != "" {
		if _, err := s.store.GetUserByID(ctx, input.ReceiverID); err != nil {
			return nil, err
		}
	}
	if input.ParentID != "" {
		parent, err := s.store.GetMessage(ctx, input.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ParentID != "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "replies cannot be nested", nil)
		}
	}

	message, err := s.store.CreateMessage(ctx, store.Message{
		ID:          util.NewID("msg"),
		SenderID:    session.UserID,
		Content:     content,
		WorkspaceID: input.WorkspaceID,
		ProjectID:   input.ProjectID,
		ReceiverID:  input.ReceiverID,
		ParentID:    input.ParentID,
	})
	if err != nil {
		return nil, err
	}

	payload := messagePayload(message, nil)
	s.broadcast(ctx, input.topicFor(session.UserID), EventNewMessage, payload)
	// DMs also land on the sender's own channel so their other devices
	// converge without subscribing to every conversation.
	if input.ReceiverID != "" && input.ParentID == "" {
		s.broadcast(ctx, topic.Self(session.UserID), EventNewMessage, payload)
	}
	s.indexMessage(message)
	return payload, nil
}

type EditMessageInput struct {
	Content string `json:"content"`
	ConversationRef
}

// EditMessage updates message content, subject to the author-only edit
// window. Tombstoned messages are not editable.
func (s *Service) EditMessage(ctx context.Context, session Session, messageID string, input EditMessageInput) (map[string]any, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.DeletedAt != nil {
		return nil, domainError(http.StatusConflict, "MESSAGE_DELETED", "Deleted messages cannot be edited", nil)
	}
	if err := policy.CanEdit(message.SenderID, session.UserID, message.CreatedAt, s.now(), s.cfg.EditWindow); err != nil {
		return nil, editPolicyError(err)
	}

	updated, err := s.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}

	reactions, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	payload := messagePayload(updated, reactions)
	s.broadcast(ctx, s.messageTopic(session, updated), EventMessageUpdated, payload)
	s.indexMessage(updated)
	return payload, nil
}

// DeleteMessage removes a message. Messages with replies are tombstoned so
// the thread stays navigable; leaf messages are removed outright.
func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := policy.CanDelete(message.SenderID, session.UserID); err != nil {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can delete a message", nil)
	}

	replies, err := s.store.CountMessageReplies(ctx, messageID)
	if err != nil {
		return nil, err
	}

	conversation := s.messageTopic(session, message)
	switch policy.DeleteModeFor(replies) {
	case policy.SoftDelete:
		tombstoned, err := s.store.TombstoneMessage(ctx, messageID, policy.Tombstone)
		if err != nil {
			return nil, err
		}
		payload := messagePayload(tombstoned, nil)
		payload["softDeleted"] = true
		s.broadcast(ctx, conversation, EventMessageDeleted, payload)
		s.search.DeleteMessage(messageID)
		return payload, nil
	default:
		if err := s.store.DeleteMessage(ctx, messageID); err != nil {
			return nil, err
		}
		payload := map[string]any{"id": messageID, "softDeleted": false}
		s.broadcast(ctx, conversation, EventMessageDeleted, payload)
		s.search.DeleteMessage(messageID)
		return payload, nil
	}
}

// TogglePin flips the pinned flag. Any workspace member can pin.
func (s *Service) TogglePin(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.DeletedAt != nil {
		return nil, domainError(http.StatusConflict, "MESSAGE_DELETED", "Deleted messages cannot be pinned", nil)
	}
	if message.WorkspaceID != "" {
		if err := s.requireRole(ctx, session, message.WorkspaceID, rbac.ActionPost); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.SetMessagePinned(ctx, messageID, !message.IsPinned)
	if err != nil {
		return nil, err
	}
	reactions, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	payload := messagePayload(updated, reactions)
	s.broadcast(ctx, s.messageTopic(session, updated), EventMessagePinned, payload)
	return payload, nil
}

// ToggleReaction adds the caller's reaction, or removes it when the same
// emoji was already present. Events carry the whole post-change reaction
// list so receivers replace rather than merge.
func (s *Service) ToggleReaction(ctx context.Context, session Session, messageID, emoji string) (map[string]any, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is required", nil)
	}
	if len(emoji) > 32 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is too long", nil)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.DeletedAt != nil {
		return nil, domainError(http.StatusConflict, "MESSAGE_DELETED", "Deleted messages cannot be reacted to", nil)
	}

	conversation := s.messageTopic(session, message)

	existing, err := s.store.GetReaction(ctx, messageID, session.UserID, emoji)
	if err == nil {
		if err := s.store.DeleteReaction(ctx, existing.ID); err != nil {
			return nil, err
		}
		reactions, err := s.store.ListReactions(ctx, messageID)
		if err != nil {
			return nil, err
		}
		payload := map[string]any{
			"messageId": messageID,
			"userId":    session.UserID,
			"emoji":     emoji,
			"reactions": reactionPayloads(reactions),
		}
		s.broadcast(ctx, conversation, EventReactionRemoved, payload)
		return payload, nil
	}

	reaction, err := s.store.InsertReaction(ctx, store.Reaction{
		ID:        util.NewID("rxn"),
		MessageID: messageID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		Emoji:     emoji,
	})
	if err != nil {
		return nil, err
	}
	reaction.UserName = session.UserName
	reactions, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"messageId": messageID,
		"reaction":  reactionPayload(reaction),
		"reactions": reactionPayloads(reactions),
	}
	s.broadcast(ctx, conversation, EventReactionAdded, payload)
	return payload, nil
}

// MarkDelivered records the first delivery acknowledgement and broadcasts
// it. The event advances the sender's client state; it is never persisted
// as a message status.
func (s *Service) MarkDelivered(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SenderID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "senders do not acknowledge their own messages", nil)
	}
	updated, err := s.store.SetMessageDelivered(ctx, messageID)
	if err != nil {
		return nil, err
	}
	var deliveredAt int64
	if updated.DeliveredAt != nil {
		deliveredAt = updated.DeliveredAt.Unix()
	}
	payload := map[string]any{
		"id":          messageID,
		"status":      "DELIVERED",
		"deliveredAt": deliveredAt,
	}
	s.broadcast(ctx, s.messageTopic(session, updated), EventMessageDelivered, payload)
	return payload, nil
}

// MarkRead moves the caller's read cursor and broadcasts the read receipt.
func (s *Service) MarkRead(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SenderID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "senders do not acknowledge their own messages", nil)
	}
	cursor := store.ReadCursor{
		UserID:      session.UserID,
		WorkspaceID: message.WorkspaceID,
		ProjectID:   message.ProjectID,
		MessageID:   messageID,
	}
	if message.ReceiverID != "" {
		// The cursor context for a DM is the other participant.
		other := message.SenderID
		if other == session.UserID {
			other = message.ReceiverID
		}
		cursor.ReceiverID = other
	}
	if err := s.store.UpsertReadCursor(ctx, cursor); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":     messageID,
		"status": "READ",
		"readBy": session.UserID,
	}
	s.broadcast(ctx, s.messageTopic(session, message), EventMessageRead, payload)
	return payload, nil
}

type ListMessagesInput struct {
	ConversationRef
	Limit int
}

// ListMessages returns a conversation's newest page in ascending order,
// each message carrying its reactions and reply count.
func (s *Service) ListMessages(ctx context.Context, session Session, input ListMessagesInput) ([]map[string]any, error) {
	if input.WorkspaceID != "" && input.ParentID == "" {
		if err := s.requireRole(ctx, session, input.WorkspaceID, rbac.ActionRead); err != nil {
			return nil, err
		}
	}
	filter := store.MessageFilter{
		ParentID:    input.ParentID,
		WorkspaceID: input.WorkspaceID,
		ProjectID:   input.ProjectID,
		Limit:       input.Limit,
	}
	if input.ParentID == "" && input.ReceiverID != "" {
		filter.WorkspaceID = ""
		filter.ProjectID = ""
		filter.DMUserA = session.UserID
		filter.DMUserB = input.ReceiverID
	}
	messages, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		reactions, err := s.store.ListReactions(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, messagePayload(m, reactions))
	}
	return items, nil
}

// SearchMessages runs full-text search scoped to one conversation.
func (s *Service) SearchMessages(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if q.WorkspaceID != "" {
		if err := s.requireRole(ctx, session, q.WorkspaceID, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
	}
	if q.DMUserA != "" || q.DMUserB != "" {
		// DM search is always anchored at the caller.
		q.DMUserB = firstNonEmpty(q.DMUserA, q.DMUserB)
		q.DMUserA = session.UserID
	}
	return s.search.Search(q), nil
}

// ListConversations returns the caller's DM sidebar: one entry per
// partner with the newest message, ready for SwitchTopic on selection.
func (s *Service) ListConversations(ctx context.Context, session Session) ([]map[string]any, error) {
	items, err := s.store.ListDMConversations(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, c := range items {
		payload = append(payload, map[string]any{
			"partner":     map[string]any{"id": c.PartnerID, "displayName": c.PartnerName},
			"topic":       topic.DM(session.UserID, c.PartnerID),
			"lastMessage": messagePayload(c.LastMessage, nil),
		})
	}
	return payload, nil
}

// UserProfile looks up another user's public profile for the directory
// modal. Email is included; every authenticated user can see it, matching
// the workspace-internal deployment model.
func (s *Service) UserProfile(ctx context.Context, _ Session, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"createdAt":   user.CreatedAt,
	}, nil
}

// CanSubscribe reports whether the session may listen on a broadcast
// topic. Workspace and project channels require membership; dm and user
// channels are participant-only.
func (s *Service) CanSubscribe(ctx context.Context, session Session, topicName string) bool {
	kind, rest, ok := strings.Cut(topicName, ":")
	if !ok || rest == "" {
		return false
	}
	switch kind {
	case "user":
		return rest == session.UserID
	case "dm":
		a, b, ok := strings.Cut(rest, ":")
		if !ok {
			return false
		}
		self := strings.ToLower(session.UserID)
		return self == a || self == b
	case "workspace":
		return s.requireRole(ctx, session, rest, rbac.ActionRead) == nil
	case "project":
		_, err := s.requireProject(ctx, session, rest, rbac.ActionRead)
		return err == nil
	case "thread":
		parent, err := s.store.GetMessage(ctx, rest)
		if err != nil {
			return false
		}
		switch {
		case parent.WorkspaceID != "":
			return s.requireRole(ctx, session, parent.WorkspaceID, rbac.ActionRead) == nil
		case parent.ProjectID != "":
			_, err := s.requireProject(ctx, session, parent.ProjectID, rbac.ActionRead)
			return err == nil
		case parent.ReceiverID != "":
			return session.UserID == parent.SenderID || session.UserID == parent.ReceiverID
		default:
			return false
		}
	default:
		return false
	}
}

// Typing

// TypingStart records a keystroke and broadcasts a typing event unless
// the per-user throttle suppresses it.
func (s *Service) TypingStart(ctx context.Context, session Session, ref ConversationRef) {
	conversation := ref.topicFor(session.UserID)
	due := s.typing.Signal(conversation, presence.Typist{UserID: session.UserID, DisplayName: session.UserName})
	if !due {
		return
	}
	s.broadcast(ctx, conversation, EventUserTyping, map[string]any{
		"userId":      session.UserID,
		"displayName": session.UserName,
	})
}

// TypingStop clears the caller's typing state on the topic.
func (s *Service) TypingStop(ctx context.Context, session Session, ref ConversationRef) {
	conversation := ref.topicFor(session.UserID)
	if !s.typing.Stop(conversation, session.UserID) {
		return
	}
	s.broadcast(ctx, conversation, EventUserStoppedTyping, map[string]any{
		"userId": session.UserID,
	})
}

// TypingRoster lists who else is composing on the topic right now.
func (s *Service) TypingRoster(session Session, ref ConversationRef) []presence.Typist {
	typists := s.typing.Typing(ref.topicFor(session.UserID), session.UserID)
	if typists == nil {
		typists = []presence.Typist{}
	}
	return typists
}

// Presence

type presenceState struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	LastSeen    int64  `json:"lastSeen"`
}

// PresenceHeartbeat renews the caller's presence on the topic and
// broadcasts the refreshed roster.
func (s *Service) PresenceHeartbeat(ctx context.Context, session Session, ref ConversationRef) (map[string]any, error) {
	conversation := ref.topicFor(session.UserID)
	state, err := json.Marshal(presenceState{
		UserID:      session.UserID,
		DisplayName: session.UserName,
		LastSeen:    s.now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.presence.Heartbeat(ctx, conversation, session.UserID, state, presenceTTL); err != nil {
		return nil, err
	}
	return s.syncPresence(ctx, conversation)
}

// PresenceDepart removes the caller ahead of the TTL, typically on a
// clean disconnect, and broadcasts the shrunken roster.
func (s *Service) PresenceDepart(ctx context.Context, session Session, ref ConversationRef) (map[string]any, error) {
	conversation := ref.topicFor(session.UserID)
	if err := s.presence.Depart(ctx, conversation, session.UserID); err != nil {
		return nil, err
	}
	return s.syncPresence(ctx, conversation)
}

func (s *Service) syncPresence(ctx context.Context, conversation string) (map[string]any, error) {
	states, err := s.presence.Present(ctx, conversation)
	if err != nil {
		return nil, err
	}
	members := make([]presenceState, 0, len(states))
	for _, raw := range states {
		var member presenceState
		if err := json.Unmarshal(raw, &member); err != nil {
			continue
		}
		members = append(members, member)
	}
	payload := map[string]any{"members": members}
	s.broadcast(ctx, conversation, EventPresenceSync, payload)
	return payload, nil
}

// broadcast publishes without failing the caller's request. Persisted
// state is the source of truth; a missed event heals on the next fetch.
func (s *Service) broadcast(ctx context.Context, conversation, name string, payload any) {
	event, err := transport.NewEvent(name, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", name).Msg("broadcast encode failed")
		return
	}
	if err := s.events.Publish(ctx, conversation, event); err != nil {
		s.logger.Warn().Err(err).Str("event", name).Str("topic", conversation).Msg("broadcast publish failed")
	}
}

// messageTopic derives the broadcast topic from a persisted message row.
func (s *Service) messageTopic(session Session, m store.Message) string {
	ref := ConversationRef{
		ParentID:    m.ParentID,
		WorkspaceID: m.WorkspaceID,
		ProjectID:   m.ProjectID,
		ReceiverID:  m.ReceiverID,
	}
	userID := m.SenderID
	if userID == "" {
		userID = session.UserID
	}
	return ref.topicFor(userID)
}

func (s *Service) indexMessage(m store.Message) {
	record := search.MessageRecord{
		ID:          m.ID,
		Content:     m.Content,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		WorkspaceID: m.WorkspaceID,
		ProjectID:   m.ProjectID,
		ParentID:    m.ParentID,
		CreatedAt:   m.CreatedAt.Unix(),
	}
	if m.ReceiverID != "" {
		record.DMKey = topic.DM(m.SenderID, m.ReceiverID)
	}
	s.search.IndexMessage(record)
}

func editPolicyError(err error) error {
	switch err {
	case policy.ErrNotAuthor:
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the author can edit a message", nil)
	case policy.ErrWindowClosed:
		return domainError(http.StatusConflict, "EDIT_WINDOW_CLOSED", "The edit window for this message has closed", nil)
	default:
		return err
	}
}

func messagePayload(m store.Message, reactions []store.Reaction) map[string]any {
	payload := map[string]any{
		"id":         m.ID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"content":    m.Content,
		"isPinned":   m.IsPinned,
		"replyCount": m.ReplyCount,
		"createdAt":  m.CreatedAt.Unix(),
		"updatedAt":  m.UpdatedAt.Unix(),
		"reactions":  reactionPayloads(reactions),
	}
	if m.WorkspaceID != "" {
		payload["workspaceId"] = m.WorkspaceID
	}
	if m.ProjectID != "" {
		payload["projectId"] = m.ProjectID
	}
	if m.ReceiverID != "" {
		payload["receiverId"] = m.ReceiverID
	}
	if m.ParentID != "" {
		payload["parentId"] = m.ParentID
	}
	if m.DeliveredAt != nil {
		payload["deliveredAt"] = m.DeliveredAt.Unix()
	}
	if m.DeletedAt != nil {
		payload["deletedAt"] = m.DeletedAt.Unix()
	}
	return payload
}

func reactionPayload(r store.Reaction) map[string]any {
	return map[string]any{
		"id":        r.ID,
		"messageId": r.MessageID,
		"userId":    r.UserID,
		"userName":  r.UserName,
		"emoji":     r.Emoji,
	}
}

func reactionPayloads(reactions []store.Reaction) []map[string]any {
	items := make([]map[string]any, 0, len(reactions))
	for _, r := range reactions {
		items = append(items, reactionPayload(r))
	}
	return items
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
