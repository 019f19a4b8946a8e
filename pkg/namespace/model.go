// Package namespace maps chat entities onto the coordination tree.
//
//	/election/candidate_<seq>               ephemeral, sequential
//	/users/<name>                           persistent
//	/users/<name>/state                     "online" | "offline"
//	/rooms/<room>                           persistent
//	/rooms/<room>/members/<user>            ephemeral
//	/rooms/<room>/messages/message_<seq>    persistent, sequential, JSON
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ElectionRoot = "/election"
	UsersRoot    = "/users"
	RoomsRoot    = "/rooms"

	CandidatePrefix = "candidate_"
	MessagePrefix   = "message_"

	membersDir  = "members"
	messagesDir = "messages"
	stateNode   = "state"
)

var (
	// ErrIntegrity reports a namespace that violates its own layout, such
	// as a user without a state node.
	ErrIntegrity = errors.New("namespace integrity violation")
	// ErrInvalidName rejects names that are not a single path segment.
	ErrInvalidName = errors.New("invalid name")
)

// Presence is the payload of a user's state node.
type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

// Valid reports whether p is one of the known presence values.
func (p Presence) Valid() bool {
	return p == Online || p == Offline
}

// Containers lists the persistent containers created before any entity
// operation.
func Containers() []string {
	return []string{ElectionRoot, UsersRoot, RoomsRoot}
}

func CandidatePath() string { return ElectionRoot + "/" + CandidatePrefix }

func UserPath(name string) string      { return UsersRoot + "/" + name }
func UserStatePath(name string) string { return UserPath(name) + "/" + stateNode }

func RoomPath(room string) string     { return RoomsRoot + "/" + room }
func MembersPath(room string) string  { return RoomPath(room) + "/" + membersDir }
func MessagesPath(room string) string { return RoomPath(room) + "/" + messagesDir }

func MemberPath(room, user string) string { return MembersPath(room) + "/" + user }
func MessagePath(room string) string      { return MessagesPath(room) + "/" + MessagePrefix }

// Join appends a child name to a parent path.
func Join(parent, child string) string {
	if parent == "/" {
		return "/" + child
	}
	return parent + "/" + child
}

// ValidateName checks that name can be used as a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// Sequence returns the numeric suffix assigned to a sequential node, or
// "" if name does not carry prefix.
func Sequence(name, prefix string) string {
	if !strings.HasPrefix(name, prefix) {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

// SequenceLess orders two sequence suffixes numerically without parsing:
// shorter strings are smaller, equal lengths compare lexicographically.
func SequenceLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// SortBySequence sorts sequential child names in place. Names without
// prefix sort after all sequenced names, alphabetically.
func SortBySequence(names []string, prefix string) {
	sort.SliceStable(names, func(i, j int) bool {
		si, sj := Sequence(names[i], prefix), Sequence(names[j], prefix)
		switch {
		case si == "" && sj == "":
			return names[i] < names[j]
		case si == "":
			return false
		case sj == "":
			return true
		}
		return SequenceLess(si, sj)
	})
}

// Message is one chat message as stored under a room's messages node.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
}

// EncodeMessage serializes m for storage. The ID is assigned by the
// service and never stored.
func EncodeMessage(m Message) ([]byte, error) {
	m.ID = ""
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a stored message; id is the node name it was read from.
func DecodeMessage(id string, data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: message %s: %v", ErrIntegrity, id, err)
	}
	m.ID = id
	return m, nil
}
