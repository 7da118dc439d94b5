package objstore

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/TheMichaelB/objsync/internal/models"
)

// FolderName maps an object id to its cache folder name: the lower-cased
// id, or a fixed literal for the root object.
func FolderName(id models.ObjectID) (string, error) {
	if id.IsRoot() {
		return models.RootFolderName, nil
	}

	s := string(id)
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("invalid object id %q", s)
	}

	// a Caser is stateful, so each call gets its own
	name := cases.Lower(language.Und).String(s)
	if name == models.RootFolderName {
		return "", fmt.Errorf("object id %q collides with the root folder", s)
	}
	return name, nil
}
