// Package badge renders the QR codes students present at scanner stations.
package badge

import (
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	MinSize     = 128
	MaxSize     = 1024
	DefaultSize = 256
)

// ErrEmptyCode is returned for an empty payload.
var ErrEmptyCode = errors.New("badge code is empty")

// Render encodes code as a PNG QR image. size is clamped to [MinSize, MaxSize].
func Render(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	png, err := qrcode.Encode(code, qrcode.Medium, ClampSize(size))
	if err != nil {
		return nil, fmt.Errorf("encode badge: %w", err)
	}
	return png, nil
}

// ClampSize bounds a requested edge length in pixels; zero means DefaultSize.
func ClampSize(size int) int {
	switch {
	case size == 0:
		return DefaultSize
	case size < MinSize:
		return MinSize
	case size > MaxSize:
		return MaxSize
	}
	return size
}
