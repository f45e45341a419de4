package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotMetadata(t *testing.T) {
	metadata := snapshotMetadata([]byte("SQLite format 3"))

	require.Contains(t, metadata, checksumKey)
	assert.Len(t, *metadata[checksumKey], 64)
	assert.Equal(t, snapshotSchema, *metadata[schemaKey])
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("SQLite format 3")
	sum := checksum(data)
	wrong := checksum([]byte("something else"))

	tests := []struct {
		name     string
		metadata map[string]*string
		wantErr  bool
	}{
		{"Matching", map[string]*string{"sha256": &sum}, false},
		{"Key case from the service", map[string]*string{"Sha256": &sum}, false},
		{"Mismatch", map[string]*string{"sha256": &wrong}, true},
		{"No checksum recorded", map[string]*string{"schema": &sum}, false},
		{"No metadata", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyChecksum(tt.metadata, data)
			if tt.wantErr {
				assert.ErrorContains(t, err, "checksum mismatch")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
