package hub

import "errors"

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotMember       = errors.New("user is not a member of the room")
	ErrAlreadyMember   = errors.New("user is already a member of the room")
	ErrInvalidPresence = errors.New("invalid presence")
)
