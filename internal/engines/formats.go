package engines

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/PiKa919/paddle-ui/internal/domain"
)

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".gif":  "image/gif",
}

const pdfExtension = ".pdf"

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), pdfExtension)
}

// checkInput verifies the file exists and has an extension the engine accepts
func checkInput(path string, allowPDF bool) error {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExtensions[ext]
	if !isImage && !(allowPDF && ext == pdfExtension) {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", domain.ErrUnsupportedFormat, filepath.Base(path))
	}
	return nil
}

func mimeType(path string) string {
	if isPDF(path) {
		return "application/pdf"
	}
	if mt, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		return mt
	}
	return "application/octet-stream"
}
