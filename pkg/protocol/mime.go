package protocol

import (
	"path/filepath"
	"strings"
)

// DefaultMIMEType is used for extensions missing from the table.
const DefaultMIMEType = "application/octet-stream"

var mimeTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
}

// MIMEType maps a file name to a content type by its extension.
func MIMEType(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return DefaultMIMEType
}
