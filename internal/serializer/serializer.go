// Package serializer implements C8: encoding a decoded image back to bytes
// for disk persistence, choosing the target format from the original
// network bytes the way the teacher's integrity package derives file
// identity from content rather than trusting a caller-supplied label.
package serializer

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
)

// Format is a detected or requested image encoding.
type Format int

const (
	Unknown Format = iota
	PNG
	JPEG
	GIF
)

var magic = []struct {
	format Format
	prefix []byte
}{
	{PNG, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	{JPEG, []byte{0xFF, 0xD8, 0xFF}},
	{GIF, []byte("GIF87a")},
	{GIF, []byte("GIF89a")},
}

// DetectFormat inspects the leading bytes of data and reports the image
// format, or Unknown if nothing matches.
func DetectFormat(data []byte) Format {
	for _, m := range magic {
		if bytes.HasPrefix(data, m.prefix) {
			return m.format
		}
	}
	return Unknown
}

// Extension returns the conventional file extension for a Format.
func (f Format) Extension() string {
	switch f {
	case PNG:
		return "png"
	case JPEG:
		return "jpg"
	case GIF:
		return "gif"
	default:
		return ""
	}
}

// Serializer is the CacheSerializer of spec.md §4.8.
type Serializer struct {
	JPEGQuality int
}

func New() *Serializer {
	return &Serializer{JPEGQuality: 90}
}

func (s *Serializer) encode(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.JPEGQuality})
	case GIF:
		err = gif.Encode(&buf, img, nil)
	default: // PNG and anything else normalize to PNG
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("serializer: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Serialize implements the "Default policy": detect the format from
// original (if any); Unknown returns original bytes unchanged, any known
// format re-encodes img to that same format.
func (s *Serializer) Serialize(img image.Image, original []byte) ([]byte, Format, error) {
	format := DetectFormat(original)
	if format == Unknown {
		return original, Unknown, nil
	}
	data, err := s.encode(img, format)
	if err != nil {
		return nil, format, err
	}
	return data, format, nil
}

// SerializeFormat implements the "Format-indicated variant": requested
// wins; on encode failure fall back to the format detected from original;
// if that also fails, fall back to original bytes verbatim, and if there
// are none, to a normalized PNG.
func (s *Serializer) SerializeFormat(img image.Image, requested Format, original []byte) ([]byte, Format, error) {
	if data, err := s.encode(img, requested); err == nil {
		return data, requested, nil
	}

	fallback := DetectFormat(original)
	if fallback != requested {
		if data, err := s.encode(img, fallback); err == nil {
			return data, fallback, nil
		}
	}

	if len(original) > 0 {
		return original, fallback, nil
	}

	data, err := s.encode(img, PNG)
	if err != nil {
		return nil, PNG, fmt.Errorf("serializer: all encode paths failed: %w", err)
	}
	return data, PNG, nil
}
