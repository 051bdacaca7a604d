package fileops

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/pkg/logger"
)

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Exists checks if a file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes a file or directory tree. Missing paths are not an error.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		logger.Warnf("⚠️ Failed to remove %s: %v", path, err)
		return err
	}
	return nil
}

// IsMediaFile checks if the file has an audio or video extension.
func IsMediaFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mkv", ".mp4", ".webm", ".mov", ".m4v", ".m4a", ".mp3", ".opus", ".ogg", ".wav", ".flac":
		return true
	}
	return false
}

// FindFiles returns files under dir (recursive) whose extension matches
// one of exts, case-insensitively.
func FindFiles(dir string, exts ...string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var found []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && want[strings.ToLower(filepath.Ext(path))] {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", dir)
	}
	return found, nil
}

// DummySubtitle is the caption track served in dry-run mode. The lines
// carry one positive, one neutral and one negative cue for the keyword
// scorer.
const DummySubtitle = `1
00:00:00,000 --> 00:00:04,000
[Dry run] I love how this starts

2
00:00:04,000 --> 00:00:09,500
This is a dummy subtitle for testing the workflow.

3
00:00:09,500 --> 00:00:12,000
Sad to see it end
`

// WriteDummySubtitle writes DummySubtitle to path.
func WriteDummySubtitle(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create dir")
	}
	return os.WriteFile(path, []byte(DummySubtitle), 0644)
}

// WritePlaceholder creates an empty file standing in for downloaded media.
func WritePlaceholder(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create dir")
	}
	return os.WriteFile(path, nil, 0644)
}
