// Package feed maintains an in-order view of one conversation as events
// arrive, reconciling optimistic local sends against the canonical rows
// the server acknowledges.
package feed

import (
	"strconv"
	"time"

	"tandem/api/internal/lifecycle"
	"tandem/api/internal/store"
)

// Entry is one rendered message slot. Pending entries are optimistic
// placeholders that have not been acknowledged yet.
type Entry struct {
	Message   store.Message
	Status    lifecycle.Status
	Reactions []store.Reaction
	ReadBy    []string
	Pending   bool
}

// Feed reconciles one topic's message list.
type Feed struct {
	topic   string
	entries []Entry
	index   map[string]int
	now     func() time.Time
	seq     int
}

func New(now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{index: map[string]int{}, now: now}
}

// SwitchTopic repoints the feed at another conversation and drops all
// state. Late acknowledgements for the previous topic are ignored because
// every mutation checks the topic first.
func (f *Feed) SwitchTopic(topic string, history []store.Message) {
	f.topic = topic
	f.entries = f.entries[:0]
	f.index = map[string]int{}
	for _, m := range history {
		f.append(Entry{Message: m, Status: lifecycle.StatusSent})
	}
}

func (f *Feed) Topic() string {
	return f.topic
}

func (f *Feed) Entries() []Entry {
	return f.entries
}

func (f *Feed) append(e Entry) {
	f.index[e.Message.ID] = len(f.entries)
	f.entries = append(f.entries, e)
}

// AppendOptimistic adds a local placeholder in SENDING state and returns
// its temporary id.
func (f *Feed) AppendOptimistic(m store.Message) string {
	f.seq++
	m.ID = "temp-" + strconv.FormatInt(f.now().UnixMilli(), 10) + "-" + strconv.Itoa(f.seq)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = f.now()
	}
	f.append(Entry{Message: m, Status: lifecycle.StatusSending, Pending: true})
	return m.ID
}

// Resolve replaces the oldest pending SENDING entry with the canonical
// row the server returned. Resolutions for another topic are discarded.
func (f *Feed) Resolve(topic string, canonical store.Message) {
	if topic != f.topic {
		return
	}
	// The sender's own broadcast can outrun the HTTP response. When the
	// canonical id is already present the placeholder is redundant; drop
	// it instead of converting it into a duplicate.
	if i, ok := f.index[canonical.ID]; ok {
		f.entries[i].Status = lifecycle.StatusSent
		f.entries[i].Pending = false
		f.dropOldestPending()
		return
	}
	for i := range f.entries {
		e := &f.entries[i]
		if !e.Pending || e.Status != lifecycle.StatusSending {
			continue
		}
		delete(f.index, e.Message.ID)
		f.index[canonical.ID] = i
		e.Message = canonical
		e.Status = lifecycle.StatusSent
		e.Pending = false
		return
	}
	// No placeholder left to replace; treat it as a fresh arrival.
	f.ApplyNew(topic, canonical)
}

func (f *Feed) dropOldestPending() {
	for i := range f.entries {
		e := f.entries[i]
		if !e.Pending || e.Status != lifecycle.StatusSending {
			continue
		}
		delete(f.index, e.Message.ID)
		f.entries = append(f.entries[:i], f.entries[i+1:]...)
		for j := i; j < len(f.entries); j++ {
			f.index[f.entries[j].Message.ID] = j
		}
		return
	}
}

// Fail marks the pending entry with the given temporary id as FAILED so
// the user can retry it.
func (f *Feed) Fail(topic, tempID string) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[tempID]; ok && f.entries[i].Pending {
		f.entries[i].Status = lifecycle.StatusFailed
	}
}

// ApplyNew inserts a message that arrived over the wire. Redelivery of an
// id already present is a no-op.
func (f *Feed) ApplyNew(topic string, m store.Message) {
	if topic != f.topic {
		return
	}
	if _, ok := f.index[m.ID]; ok {
		return
	}
	f.append(Entry{Message: m, Status: lifecycle.StatusSent})
}

// ApplyUpdated replaces a message's content in place.
func (f *Feed) ApplyUpdated(topic string, m store.Message) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[m.ID]; ok {
		status := f.entries[i].Status
		f.entries[i].Message = m
		f.entries[i].Status = status
	}
}

// ApplyDeleted removes a hard-deleted message, or swaps in the tombstone
// row when the deletion was soft.
func (f *Feed) ApplyDeleted(topic string, m store.Message) {
	if topic != f.topic {
		return
	}
	i, ok := f.index[m.ID]
	if !ok {
		return
	}
	if m.DeletedAt != nil {
		f.entries[i].Message = m
		return
	}
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
	delete(f.index, m.ID)
	for j := i; j < len(f.entries); j++ {
		f.index[f.entries[j].Message.ID] = j
	}
}

// ApplyDelivered advances the entry to DELIVERED. Stale signals after the
// entry is already READ are ignored.
func (f *Feed) ApplyDelivered(topic, messageID string, deliveredAt time.Time) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[messageID]; ok {
		next, err := f.entries[i].Status.Advance(lifecycle.StatusDelivered)
		if err != nil {
			return
		}
		f.entries[i].Status = next
		f.entries[i].Message.DeliveredAt = &deliveredAt
	}
}

// ApplyRead advances the entry to READ and records who read it.
func (f *Feed) ApplyRead(topic, messageID, readBy string) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[messageID]; ok {
		next, err := f.entries[i].Status.Advance(lifecycle.StatusRead)
		if err != nil {
			return
		}
		f.entries[i].Status = next
		for _, id := range f.entries[i].ReadBy {
			if id == readBy {
				return
			}
		}
		f.entries[i].ReadBy = append(f.entries[i].ReadBy, readBy)
	}
}

// ApplyPinned toggles the pin flag from the canonical row.
func (f *Feed) ApplyPinned(topic string, m store.Message) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[m.ID]; ok {
		f.entries[i].Message.IsPinned = m.IsPinned
	}
}

// ApplyReactions replaces the entry's reaction list wholesale with the
// post-change list carried on the event.
func (f *Feed) ApplyReactions(topic, messageID string, reactions []store.Reaction) {
	if topic != f.topic {
		return
	}
	if i, ok := f.index[messageID]; ok {
		f.entries[i].Reactions = reactions
	}
}
