package helpers

import (
	"regexp"
	"strings"

	"github.com/migadu/soramail/consts"
)

var folderNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// ValidateFolderName checks a custom folder name: letters, digits, spaces,
// underscores and dashes, at most consts.MaxFolderNameLength characters and
// not one of the reserved system names.
func ValidateFolderName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name || len(name) > consts.MaxFolderNameLength || !folderNamePattern.MatchString(name) {
		return consts.ErrInvalidFolderName
	}
	if consts.IsSystemFolder(name) {
		return consts.ErrReservedFolder
	}
	return nil
}
