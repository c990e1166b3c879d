package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"
)

// ExpandPatterns resolves a mix of literal file paths and doublestar glob
// patterns into a sorted, deduplicated list of regular files. Patterns
// with no match are logged and skipped, not treated as errors.
func ExpandPatterns(patterns []string, logger log.Logger) ([]string, error) {
	seen := map[string]bool{}
	var files []string

	add := func(path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
		return nil
	}

	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			if err := add(pattern); err != nil {
				return nil, err
			}
			continue
		}

		base, rest := doublestar.SplitPattern(pattern)
		matches, err := doublestar.Glob(os.DirFS(base), rest, doublestar.WithNoFollow())
		if matches == nil {
			logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		for _, match := range matches {
			if err := add(filepath.Join(base, match)); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

func checksumOfFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
