package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3SessionIDRoundtrip(t *testing.T) {
	sessionID := encodeS3SessionID("upload-xyz", 12, "builds/2026/app.ipa")

	uploadID, chunkCount, key, err := decodeS3SessionID(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "upload-xyz", uploadID)
	assert.Equal(t, 12, chunkCount)
	assert.Equal(t, "builds/2026/app.ipa", key)
}

func TestDecodeS3SessionIDMalformed(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
	}{
		{name: "empty", sessionID: ""},
		{name: "missing fields", sessionID: "upload-xyz"},
		{name: "two fields only", sessionID: "upload-xyz::4"},
		{name: "non-numeric chunk count", sessionID: "upload-xyz::abc::key"},
		{name: "zero chunk count", sessionID: "upload-xyz::0::key"},
		{name: "negative chunk count", sessionID: "upload-xyz::-3::key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := decodeS3SessionID(tt.sessionID)
			require.Error(t, err)
		})
	}
}

func TestDecodeS3SessionIDKeyMayContainSeparator(t *testing.T) {
	// Keys are the last field, so separator sequences inside them survive.
	uploadID, chunkCount, key, err := decodeS3SessionID("upload-xyz::4::odd::key::name")
	require.NoError(t, err)
	assert.Equal(t, "upload-xyz", uploadID)
	assert.Equal(t, 4, chunkCount)
	assert.Equal(t, "odd::key::name", key)
}
