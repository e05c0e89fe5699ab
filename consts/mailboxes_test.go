package consts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveFolder(t *testing.T) {
	existing := []string{"inbox", "sent", "drafts", "trash", "Finance"}

	tests := []struct {
		name  string
		want  string
		found bool
	}{
		{"INBOX", FolderInbox, true},
		{" Trash ", FolderTrash, true},
		{"finance", "Finance", true},
		{"Projects", "Projects", false},
	}
	for _, tt := range tests {
		got, ok := ResolveFolder(tt.name, existing)
		assert.Equal(t, tt.want, got, tt.name)
		assert.Equal(t, tt.found, ok, tt.name)
	}
}
