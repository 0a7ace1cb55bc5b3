package backup

import (
	"path"
	"path/filepath"
	"strings"
)

// safeJoin resolves rel against root after normalizing away any ".."
// segments, per spec §9's path-safety rule: every relative path received
// over the backup protocol must be normalized before concatenation with
// backupDir, and any attempt to escape the root must be rejected.
func safeJoin(root, rel string) (string, bool) {
	if c := path.Clean(filepath.ToSlash(rel)); c == ".." || strings.HasPrefix(c, "../") {
		return "", false
	}
	cleaned := filepath.Clean("/" + filepath.ToSlash(rel))
	cleaned = strings.TrimPrefix(cleaned, "/")
	joined := filepath.Join(root, filepath.FromSlash(cleaned))

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", false
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", false
	}
	return joinedAbs, true
}
