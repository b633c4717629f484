package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Encode serializes s and returns the hex blake2b-256 digest of the encoding.
// Equal snapshots always produce equal digests.
func Encode(s *Snapshot) (data []byte, digest string, err error) {
	data, err = json.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode snapshot %s: %w", s.SessionID, err)
	}
	sum := blake2b.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.StageOutputs == nil {
		s.StageOutputs = []StageOutput{}
	}
	if s.Errors == nil {
		s.Errors = []ErrorRecord{}
	}
	return &s, nil
}
