package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	ErrSourceImageMissing    = errors.New("source image not found")
	ErrSourceImageUnreadable = errors.New("source image unreadable")
)

// Source image names in lookup order
var sourceImageNames = []string{"original.jpg", "original.jpeg", "original.png"}

// ImageInspector locates item images and reads their dimensions.
type ImageInspector struct {
	publicBaseURL string
}

func NewImageInspector(publicBaseURL string) *ImageInspector {
	return &ImageInspector{publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

// SourceImage returns the path of the base image inside an item directory.
func (i *ImageInspector) SourceImage(itemDir string) (string, error) {
	for _, name := range sourceImageNames {
		path := filepath.Join(itemDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrSourceImageMissing, itemDir)
}

// Dimensions decodes the image honoring its EXIF orientation, so the size
// matches what the model sees.
func (i *ImageInspector) Dimensions(path string) (int, int, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, fmt.Errorf("%w: %s", ErrSourceImageMissing, path)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrSourceImageUnreadable, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Reference renders an image as something the prediction API can fetch: a
// public URL when one is configured, an inline data URI otherwise.
func (i *ImageInspector) Reference(item, path string) (string, error) {
	if i.publicBaseURL != "" {
		return i.publicBaseURL + "/" + url.PathEscape(item) + "/" + url.PathEscape(filepath.Base(path)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
