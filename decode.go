package imagecache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Decode implements Decoder using only the standard library's registered
// image formats.
func (StdDecoder) Decode(data []byte, _ DecodeOptions) (*Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imagecache: decode: %w", err)
	}
	return &Image{Img: img}, nil
}
