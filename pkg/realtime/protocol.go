// Package realtime implements the WebSocket hub: connection lifecycle,
// rooms, broadcast and the cross-instance bridge through the broker. The
// collection pipeline feeds it committed mutations; clients receive them as
// emit frames in commit order per connection.
package realtime

import "time"

// Frame types on the wire.
const (
	FrameAuth    = "auth"
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameEmit    = "emit"
	FrameConnect = "connect"
	FrameError   = "error"
)

// Collection-change event names, also used as the room-frame event field.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// CollectionRoom returns the room carrying typed change events for one
// collection.
func CollectionRoom(collection string) string { return "collection:" + collection }

// CollectionsRoom carries every change event wrapped with its collection
// name.
const CollectionsRoom = "collections"

// ClientFrame is a message from a connected client.
type ClientFrame struct {
	Type  string      `json:"type"`
	Token string      `json:"token,omitempty"`
	Room  string      `json:"room,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Meta carries server-side frame metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

// ServerFrame is a message to a connected client.
type ServerFrame struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
	Room  string      `json:"room,omitempty"`
	Meta  *Meta       `json:"meta,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ConnectData is the payload of the connect frame sent on upgrade.
type ConnectData struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

func emitFrame(event string, data interface{}, room string) ServerFrame {
	return ServerFrame{
		Type:  FrameEmit,
		Event: event,
		Data:  data,
		Room:  room,
		Meta:  &Meta{Timestamp: time.Now().UTC()},
	}
}

func errorFrame(message string) ServerFrame {
	return ServerFrame{Type: FrameError, Error: message}
}
