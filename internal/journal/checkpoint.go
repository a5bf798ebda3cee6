package journal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncCheckpoint marks the point after which server changes are unseen by a client.
type SyncCheckpoint struct {
	Owner     OwnerID
	Timestamp time.Time
	Nonce     string
}

type checkpointWire struct {
	Owner       string `json:"o"`
	TimestampMs int64  `json:"t"`
	Nonce       string `json:"n"`
}

// NewSyncCheckpoint mints a checkpoint with a fresh nonce.
func NewSyncCheckpoint(owner OwnerID, timestamp time.Time) SyncCheckpoint {
	return SyncCheckpoint{Owner: owner, Timestamp: timestamp.UTC(), Nonce: uuid.NewString()}
}

// Encode renders the checkpoint as an opaque URL-safe token.
func (c SyncCheckpoint) Encode() string {
	encoded, _ := json.Marshal(checkpointWire{
		Owner:       c.Owner.String(),
		TimestampMs: c.Timestamp.UnixMilli(),
		Nonce:       c.Nonce,
	})
	return base64.RawURLEncoding.EncodeToString(encoded)
}

// DecodeSyncCheckpoint parses a token and checks that it was minted for owner.
func DecodeSyncCheckpoint(token string, owner OwnerID) (SyncCheckpoint, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return SyncCheckpoint{}, fmt.Errorf("%w: invalid encoding", ErrInvalidCheckpoint)
	}
	var wire checkpointWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return SyncCheckpoint{}, fmt.Errorf("%w: invalid payload", ErrInvalidCheckpoint)
	}
	if wire.Owner != owner.String() {
		return SyncCheckpoint{}, fmt.Errorf("%w: owner mismatch", ErrInvalidCheckpoint)
	}
	if wire.TimestampMs <= 0 {
		return SyncCheckpoint{}, fmt.Errorf("%w: invalid timestamp", ErrInvalidCheckpoint)
	}
	if _, err := uuid.Parse(wire.Nonce); err != nil {
		return SyncCheckpoint{}, fmt.Errorf("%w: invalid nonce", ErrInvalidCheckpoint)
	}
	return SyncCheckpoint{
		Owner:     owner,
		Timestamp: time.UnixMilli(wire.TimestampMs).UTC(),
		Nonce:     wire.Nonce,
	}, nil
}
