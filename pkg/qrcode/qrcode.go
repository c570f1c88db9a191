// Package qrcode renders shareable invite links as PNG QR codes.
package qrcode

import (
	"errors"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"
)

var (
	ErrEmptyContent = errors.New("qrcode: content cannot be empty")
	ErrGenerate     = errors.New("qrcode: failed to generate")
)

const (
	DefaultSize = 256
	MaxSize     = 1024
)

// PNG encodes content with medium error correction. Sizes outside
// (0, MaxSize] fall back to DefaultSize.
func PNG(content string, size int) ([]byte, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if size <= 0 || size > MaxSize {
		size = DefaultSize
	}
	png, err := skipqrcode.Encode(content, skipqrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(ErrGenerate, err)
	}
	return png, nil
}
