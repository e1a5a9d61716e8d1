package chat

import (
	v1 "relay/shared/contracts/chat/v1"
)

// Effect is one post-commit delivery instruction returned by a
// state-mutating operation. The core computes effects after the underlying
// write commits; the transport executes them in order. Exactly one of Room
// or User is set: Room targets every connection subscribed to that
// conversation's room channel, User targets every connection of one user
// regardless of room subscription.
type Effect struct {
	Room    string
	User    string
	Kind    v1.Kind
	Payload any
}

// RoomEffect targets a conversation's room channel.
func RoomEffect(conversationID string, kind v1.Kind, payload any) Effect {
	return Effect{Room: conversationID, Kind: kind, Payload: payload}
}

// UserEffect targets all live connections of one user.
func UserEffect(userID string, kind v1.Kind, payload any) Effect {
	return Effect{User: userID, Kind: kind, Payload: payload}
}
