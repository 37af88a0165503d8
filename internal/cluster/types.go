package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/oklog/ulid/v2"
)

// Map and set operations carried by SyncMessage.Op.
const (
	OpSet    = "set"
	OpDelete = "delete"
	OpClear  = "clear"
	OpAdd    = "add"
)

// Tracking operations. These are produced by the tracking script, never by
// the client, and use the short names the script emits.
const (
	OpTrackSet    = "s"
	OpTrackDelete = "del"
	OpTrackClear  = "c"
	OpTrackExpire = "exp"
)

// ErrEmptyOp is returned when a decoded sync message has no operation.
var ErrEmptyOp = errors.New("sync message without op")

// ProcessInfo describes the running process to other components and to
// operators inspecting a worker.
type ProcessInfo struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
}

// NewProcessID returns a token unique to this process. Every outgoing sync
// message is stamped with it so the process can recognise its own echoes.
func NewProcessID() string {
	return ulid.Make().String()
}

// Self returns ProcessInfo for the current process under the given identity.
func Self(id string) ProcessInfo {
	host, _ := os.Hostname()
	return ProcessInfo{ID: id, Hostname: host, PID: os.Getpid()}
}

// SyncMessage is the payload broadcast on a collection's channel.
// Key and Value hold already-encoded JSON so the message can be built by
// either the client or a store-side script without re-encoding.
type SyncMessage struct {
	ProcessID string          `json:"processId,omitempty"`
	Op        string          `json:"op"`
	Key       json.RawMessage `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`

	// Seq numbers the writes of one process, so it can match each of its
	// broadcasts to the write that produced it. Zero when unnumbered.
	Seq uint64 `json:"seq,omitempty"`
}

// Encode returns the JSON wire form of the message.
func (m SyncMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSyncMessage parses a channel payload.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncMessage{}, fmt.Errorf("decode sync message: %w", err)
	}
	if m.Op == "" {
		return SyncMessage{}, ErrEmptyOp
	}
	return m, nil
}

// FromSelf reports whether the message was published by the process with
// the given identity.
func (m SyncMessage) FromSelf(processID string) bool {
	return m.ProcessID != "" && m.ProcessID == processID
}
