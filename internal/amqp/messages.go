package amqp

import (
	"encoding/json"
	"time"
)

// EntryExportMessage asks the recap worker to export one ledger entry.
// It carries only the entry ID; the worker fetches the full row from the
// database so the queue never holds stale amounts.
type EntryExportMessage struct {
	EntryID   string    `json:"entry_id"`
	OwnerID   string    `json:"owner_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEntryExportMessage creates an export message for a ledger entry
func NewEntryExportMessage(entryID, ownerID string) *EntryExportMessage {
	return &EntryExportMessage{
		EntryID:   entryID,
		OwnerID:   ownerID,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *EntryExportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EntryExportMessageFromJSON creates a message from JSON bytes
func EntryExportMessageFromJSON(data []byte) (*EntryExportMessage, error) {
	var msg EntryExportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
