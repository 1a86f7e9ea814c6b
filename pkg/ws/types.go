package ws

// Message types exchanged on the snapshot stream
const (
	TypeSnapshot = "snapshot"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
)

// Message is the envelope of every frame on the stream
type Message struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}
