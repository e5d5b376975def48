package testing

import (
	"bytes"
	"fmt"
	"os"
)

// FileChecker allows chaining multiple checks on an uploaded file.
type FileChecker struct {
	Path   string
	Checks []func(string) error
}

// NewFileChecker creates a FileChecker for the given path.
func NewFileChecker(path string) *FileChecker {
	return &FileChecker{Path: path, Checks: []func(string) error{}}
}

// Check runs all checks, returning every failure in a MultiError.
func (fc *FileChecker) Check() error {
	errors := MultiError{}
	for _, check := range fc.Checks {
		AppendErr(&errors, check(fc.Path))
	}

	if len(errors) == 0 {
		return nil
	}
	return errors
}

// IsFile adds a check that the path is a regular file.
func (fc *FileChecker) IsFile() *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("expected regular file: %s", path)
		}
		return nil
	})
	return fc
}

// Size adds a check that the file is exactly size bytes long.
func (fc *FileChecker) Size(size int64) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		info, err := getInfo(path)
		if err != nil {
			return err
		}
		if info.Size() != size {
			return fmt.Errorf("size mismatch for %s: want %d got %d", path, size, info.Size())
		}
		return nil
	})
	return fc
}

// Content adds a check that the file has the specified content.
func (fc *FileChecker) Content(content []byte) *FileChecker {
	fc.Checks = append(fc.Checks, func(path string) error {
		got, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, content) {
			return fmt.Errorf("file %s content mismatch (want %d bytes, got %d bytes)", path, len(content), len(got))
		}
		return nil
	})
	return fc
}

// RandomContent returns size bytes of deterministic pseudo random data.
func RandomContent(size int) []byte {
	data := make([]byte, size)
	var x uint32 = 2463534242
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}

func getInfo(path string) (os.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path does not exist: %s", path)
		}
		return nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return info, nil
}
