package admission

import (
	"fmt"
	"path"
	"strings"

	"github.com/migadu/soramail/consts"
)

var extensionTypes = map[string]string{
	"txt":  "text/plain",
	"csv":  "text/csv",
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
	"7z":   "application/x-7z-compressed",
	"tar":  "application/x-tar",
	"gz":   "application/gzip",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"json": "application/json",
	"xml":  "application/xml",
}

// CheckMimeType verifies that the declared mime type is the one registered
// for the file name's extension. Parameters such as charset are ignored.
func CheckMimeType(fileName, mimeType string) error {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fileName), "."))
	if ext == "" {
		return fmt.Errorf("%w: %q has no extension", consts.ErrMimeMismatch, fileName)
	}
	want, ok := extensionTypes[ext]
	if !ok {
		return fmt.Errorf("%w: unsupported extension %q", consts.ErrMimeMismatch, ext)
	}
	declared, _, _ := strings.Cut(mimeType, ";")
	if !strings.EqualFold(strings.TrimSpace(declared), want) {
		return fmt.Errorf("%w: %s declared as %q, expected %q", consts.ErrMimeMismatch, fileName, mimeType, want)
	}
	return nil
}
