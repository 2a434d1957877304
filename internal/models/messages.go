package models

// BroadcastMessage is the payload fanned out to every stereo client.
type BroadcastMessage struct {
	ID    string    `json:"id"`
	Track Track     `json:"track"`
	From  Requester `json:"from"`
}

// NewBroadcastMessage builds the fanout payload for an item.
func NewBroadcastMessage(item *PlaylistItem) BroadcastMessage {
	return BroadcastMessage{
		ID:    item.ID,
		Track: item.Track,
		From:  item.From,
	}
}

// Request is raw free text submitted for decoding into tracks. ID, when
// set, makes decoding idempotent across redeliveries.
type Request struct {
	ID     string    `json:"id,omitempty"`
	Text   string    `json:"text"`
	From   Requester `json:"from"`
	Source string    `json:"source"`
}
