// Package dedup suppresses repeated detail records within one unit of work.
package dedup

import (
	"strings"
	"unicode"
)

// ContentPrefix is the number of content runes that take part in an identity.
const ContentPrefix = 50

// Identity is the normalized composite key of a detail record.
type Identity struct {
	Author    string
	Timestamp string
	Content   string
}

// NewIdentity normalizes the parts: whitespace runs collapse to one space,
// the ends are trimmed, letters are case-folded and the content is cut to
// ContentPrefix runes.
func NewIdentity(author, timestamp, content string) Identity {
	c := []rune(normalize(content))
	if len(c) > ContentPrefix {
		c = c[:ContentPrefix]
	}
	return Identity{
		Author:    normalize(author),
		Timestamp: normalize(timestamp),
		Content:   strings.TrimSpace(string(c)),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " "))
}

// Deduplicator remembers identities seen in the current unit. It is owned by
// one worker at a time and is not safe for concurrent use.
type Deduplicator struct {
	seen map[Identity]struct{}
}

// New returns an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{seen: make(map[Identity]struct{})}
}

// IsNew reports true the first time id is offered since the last Reset.
func (d *Deduplicator) IsNew(id Identity) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Len is the number of distinct identities seen.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

// Reset forgets every identity.
func (d *Deduplicator) Reset() {
	clear(d.seen)
}
