package profile

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/conductor/internal/ignore"
)

// maxDetectDepth bounds the extension scan so huge trees stay cheap.
const maxDetectDepth = 3

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"target":       true,
	"dist":         true,
}

// Detect picks a built-in profile name for dir. Marker files are checked
// first in DetectionOrder, then file extensions; GeneralProfile is the
// fallback.
func Detect(dir string) string {
	defaults := Defaults()

	for _, name := range DetectionOrder {
		for _, file := range defaults[name].Detect.Files {
			if _, err := os.Stat(filepath.Join(dir, file)); err == nil {
				return name
			}
		}
	}

	exts := scanExtensions(dir)
	for _, name := range DetectionOrder {
		for _, ext := range defaults[name].Detect.Extensions {
			if exts[ext] {
				return name
			}
		}
	}

	return GeneralProfile
}

// scanExtensions collects file extensions near root, skipping vendored
// directories and anything the project's .gitignore excludes.
func scanExtensions(root string) map[string]bool {
	seen := map[string]bool{}
	ignored := ignore.Load(root)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if skipDirs[d.Name()] || ignored.Match(rel, true) || strings.Count(rel, string(filepath.Separator)) >= maxDetectDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored.Match(rel, false) {
			return nil
		}
		if ext := filepath.Ext(d.Name()); ext != "" {
			seen[ext] = true
		}
		return nil
	})
	return seen
}
