package journal

import (
	"errors"
	"testing"
)

func TestSyncCheckpointRoundTrip(t *testing.T) {
	owner := mustOwnerID(t, testOwner)
	checkpoint := NewSyncCheckpoint(owner, testEpoch)

	decoded, err := DecodeSyncCheckpoint(checkpoint.Encode(), owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decoded.Timestamp.Equal(testEpoch) {
		t.Fatalf("expected timestamp %s, got %s", testEpoch, decoded.Timestamp)
	}
	if decoded.Nonce != checkpoint.Nonce {
		t.Fatalf("expected nonce to survive encoding")
	}
}

func TestDecodeSyncCheckpointRejectsInvalidTokens(t *testing.T) {
	owner := mustOwnerID(t, testOwner)
	testCases := map[string]string{
		"garbage":       "%%%not-base64",
		"not json":      "bm90LWpzb24",
		"foreign owner": NewSyncCheckpoint(mustOwnerID(t, "owner-2"), testEpoch).Encode(),
		"bad nonce":     SyncCheckpoint{Owner: owner, Timestamp: testEpoch, Nonce: "nonce"}.Encode(),
	}
	for name, token := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSyncCheckpoint(token, owner)
			if !errors.Is(err, ErrInvalidCheckpoint) {
				t.Fatalf("expected invalid checkpoint error, got %v", err)
			}
		})
	}
}
