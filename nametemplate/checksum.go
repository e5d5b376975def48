package nametemplate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// checksum digests the regular files matched by the patterns into a hex SHA-256.
// Patterns are doublestar globs (`**/go.sum`) relative to the root of the model. Every pattern has to match at
// least one file. The digest covers the relative path and the content of each file, in path order.
func (m Model) checksum(patterns ...string) (string, error) {
	if len(patterns) == 0 {
		return "", errors.New("checksum: no file pattern given")
	}

	files, err := m.matchFiles(patterns)
	if err != nil {
		return "", err
	}

	digest := sha256.New()
	for _, name := range files {
		sum, err := m.fileDigest(name)
		if err != nil {
			return "", fmt.Errorf("checksum: %w", err)
		}
		m.logger.Debugf("Prefix checksum of %s: %x", name, sum)

		digest.Write([]byte(name))
		digest.Write([]byte{0})
		digest.Write(sum)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

// matchFiles returns the sorted, unique file names the patterns resolve to.
func (m Model) matchFiles(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pattern := range patterns {
		pattern = path.Clean(filepath.ToSlash(pattern))

		matches, err := doublestar.Glob(m.root, pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
		if err != nil {
			return nil, fmt.Errorf("checksum pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("checksum pattern %q matches no file", pattern)
		}

		for _, match := range matches {
			if !seen[match] {
				seen[match] = true
				files = append(files, match)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

func (m Model) fileDigest(name string) ([]byte, error) {
	file, err := m.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close() //nolint:errcheck

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return hash.Sum(nil), nil
}
