package serializer

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage()))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solidImage(), nil))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, PNG, DetectFormat(encodePNG(t)))
	assert.Equal(t, JPEG, DetectFormat(encodeJPEG(t)))
	assert.Equal(t, Unknown, DetectFormat([]byte("not an image")))
}

func TestSerializeUnknownFormatReturnsOriginalUnchanged(t *testing.T) {
	s := New()
	original := []byte("opaque provider bytes")
	data, format, err := s.Serialize(solidImage(), original)
	require.NoError(t, err)
	assert.Equal(t, Unknown, format)
	assert.Equal(t, original, data)
}

func TestSerializeKnownFormatReencodesToSameFormat(t *testing.T) {
	s := New()
	original := encodeJPEG(t)
	data, format, err := s.Serialize(solidImage(), original)
	require.NoError(t, err)
	assert.Equal(t, JPEG, format)
	assert.Equal(t, JPEG, DetectFormat(data))
}

func TestSerializeFormatRequestedWins(t *testing.T) {
	s := New()
	data, format, err := s.SerializeFormat(solidImage(), GIF, encodePNG(t))
	require.NoError(t, err)
	assert.Equal(t, GIF, format)
	assert.Equal(t, GIF, DetectFormat(data))
}

func TestExtensionMapping(t *testing.T) {
	assert.Equal(t, "png", PNG.Extension())
	assert.Equal(t, "jpg", JPEG.Extension())
	assert.Equal(t, "gif", GIF.Extension())
	assert.Equal(t, "", Unknown.Extension())
}
