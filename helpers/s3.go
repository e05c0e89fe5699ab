package helpers

import "fmt"

// NewAttachmentKey constructs the object key holding an attachment's bytes.
func NewAttachmentKey(id string) string {
	return fmt.Sprintf("attachments/%s", id)
}
