// Package kinds classifies event kinds by their replacement policy and derives
// the logical identity that replaceable events are deduplicated on.
package kinds

import (
	"unicode/utf8"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// ProfileMetadata carries a JSON encoded user profile.
	ProfileMetadata = 0
	// TextNote is a plain short text note.
	TextNote = 1
	// FollowList lists the pubkeys an author follows.
	FollowList = 3
	// ChannelMetadata updates a public chat channel.
	ChannelMetadata = 41

	replaceableRangeStart   = 10000
	replaceableRangeEnd     = 20000
	parameterizedRangeStart = 30000
	parameterizedRangeEnd   = 40000

	// IdentifierTag is the tag key holding the parameterized identity value.
	IdentifierTag = "d"
)

// Class enumerates the replacement policies.
type Class int

const (
	// Regular events are retained independently per id.
	Regular Class = iota
	// Replaceable events keep one row per (kind, pubkey).
	Replaceable
	// Parameterized events keep one row per (kind, pubkey, d).
	Parameterized
)

func (c Class) String() string {
	switch c {
	case Replaceable:
		return "replaceable"
	case Parameterized:
		return "parameterized"
	default:
		return "regular"
	}
}

// Classify maps a kind to its replacement policy. Legacy replaceable kinds are
// checked before the parameterized range.
func Classify(kind int) Class {
	switch {
	case kind == ProfileMetadata || kind == FollowList || kind == ChannelMetadata:
		return Replaceable
	case kind >= replaceableRangeStart && kind < replaceableRangeEnd:
		return Replaceable
	case kind >= parameterizedRangeStart && kind < parameterizedRangeEnd:
		return Parameterized
	default:
		return Regular
	}
}

// IsReplaceable reports whether events of this kind supersede each other.
func IsReplaceable(kind int) bool {
	return Classify(kind) != Regular
}

// Identity is the logical key shared by events that replace one another.
type Identity struct {
	Class  Class
	Kind   int
	PubKey string
	// D is only meaningful for Parameterized identities.
	D string
}

// IdentityOf derives the logical identity of an event.
func IdentityOf(ev *nostr.Event) Identity {
	identity := Identity{
		Class:  Classify(ev.Kind),
		Kind:   ev.Kind,
		PubKey: ev.PubKey,
	}
	if identity.Class == Parameterized {
		identity.D = DTag(ev.Tags)
	}
	return identity
}

// DTag returns the value of the first "d" tag. Events without one, or whose
// first "d" tag has no value, resolve to the empty string.
func DTag(tags nostr.Tags) string {
	for _, tag := range tags {
		if len(tag) == 0 || tag[0] != IdentifierTag {
			continue
		}
		if len(tag) < 2 {
			return ""
		}
		return tag[1]
	}
	return ""
}

// Indexable reports whether a tag belongs in the tag index: single character
// key with a value. Characters are counted as runes, not bytes.
func Indexable(tag nostr.Tag) bool {
	return len(tag) >= 2 && utf8.RuneCountInString(tag[0]) == 1
}
