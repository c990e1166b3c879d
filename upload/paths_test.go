package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPatterns(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "a.ipa"), "aaa")
	mustWriteFile(t, filepath.Join(dir, "b.txt"), "bbb")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deep"), 0700))
	mustWriteFile(t, filepath.Join(dir, "nested", "deep", "c.ipa"), "ccc")

	logger := log.NewLogger()

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{
			name:     "literal path",
			patterns: []string{filepath.Join(dir, "a.ipa")},
			want:     []string{filepath.Join(dir, "a.ipa")},
		},
		{
			name:     "recursive glob",
			patterns: []string{filepath.Join(dir, "**", "*.ipa")},
			want: []string{
				filepath.Join(dir, "a.ipa"),
				filepath.Join(dir, "nested", "deep", "c.ipa"),
			},
		},
		{
			name: "duplicates collapse",
			patterns: []string{
				filepath.Join(dir, "a.ipa"),
				filepath.Join(dir, "*.ipa"),
			},
			want: []string{filepath.Join(dir, "a.ipa")},
		},
		{
			name:     "no match is not an error",
			patterns: []string{filepath.Join(dir, "*.apk")},
			want:     nil,
		},
		{
			name: "mixed",
			patterns: []string{
				filepath.Join(dir, "b.txt"),
				filepath.Join(dir, "**", "*.ipa"),
			},
			want: []string{
				filepath.Join(dir, "a.ipa"),
				filepath.Join(dir, "b.txt"),
				filepath.Join(dir, "nested", "deep", "c.ipa"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPatterns(tt.patterns, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandPatternsMissingLiteralPath(t *testing.T) {
	logger := log.NewLogger()
	_, err := ExpandPatterns([]string{filepath.Join(t.TempDir(), "missing.bin")}, logger)
	require.Error(t, err)
}

func TestChecksumOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	mustWriteFile(t, path, "hello")

	checksum, err := checksumOfFile(path)
	require.NoError(t, err)
	// sha256("hello")
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", checksum)
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
