// Package policy gates mutation of existing messages: who may edit or
// delete, for how long, and whether a delete removes the record or leaves a
// tombstone. The checks are pure; callers supply the clock and the
// dependent-reply count.
package policy

import (
	"errors"
	"time"
)

// EditWindow is how long after creation the author may still edit.
const EditWindow = 15 * time.Minute

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "[deleted]"

var (
	ErrNotAuthor    = errors.New("only the author may modify this message")
	ErrWindowClosed = errors.New("edit window has closed")
)

// CanEdit checks an edit attempt: only the author, and only while less than
// window has elapsed since creation. An edit at exactly createdAt+window is
// already outside the window.
func CanEdit(authorID, editorID string, createdAt, now time.Time, window time.Duration) error {
	if editorID != authorID {
		return ErrNotAuthor
	}
	if now.Sub(createdAt) >= window {
		return ErrWindowClosed
	}
	return nil
}

// CanDelete checks a delete attempt. Deletion has no time window.
func CanDelete(authorID, deleterID string) error {
	if deleterID != authorID {
		return ErrNotAuthor
	}
	return nil
}

// DeleteMode says how a message must be removed.
type DeleteMode int

const (
	// HardDelete removes the record entirely.
	HardDelete DeleteMode = iota
	// SoftDelete keeps the record with content replaced by Tombstone so
	// reply threads stay addressable.
	SoftDelete
)

// DeleteModeFor picks the branch from the dependent-reply count, which the
// caller must read at delete time rather than cache.
func DeleteModeFor(replyCount int) DeleteMode {
	if replyCount > 0 {
		return SoftDelete
	}
	return HardDelete
}
