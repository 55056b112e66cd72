package replay

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"
)

var errNoImageSource = errors.New("replay: no image source configured")

// resolveImage decodes a placement reference. Data URLs carry their own
// pixels; anything else is delegated to the configured source.
func resolveImage(source ImageSource, ref string) (image.Image, error) {
	if ref == "" {
		return nil, errors.New("replay: empty image reference")
	}
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}
	if source == nil {
		return nil, errNoImageSource
	}
	return source.FetchImage(ref)
}

func decodeDataURL(ref string) (image.Image, error) {
	comma := strings.IndexByte(ref, ',')
	if comma < 0 {
		return nil, fmt.Errorf("replay: malformed data url")
	}
	meta, payload := ref[len("data:"):comma], ref[comma+1:]

	var raw []byte
	var err error
	if strings.HasSuffix(meta, ";base64") {
		raw, err = base64.StdEncoding.DecodeString(payload)
	} else {
		raw = []byte(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("replay: decode data url: %w", err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("replay: decode image: %w", err)
	}
	return decoded, nil
}

// parseHexColor understands #rgb and #rrggbb, the only forms the drawing
// surface emits. Unparseable values fall back to black.
func parseHexColor(value string) (r, g, b float64) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "#")
	switch len(value) {
	case 3:
		value = string([]byte{
			value[0], value[0],
			value[1], value[1],
			value[2], value[2],
		})
	case 6:
	default:
		return 0, 0, 0
	}
	parsed, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	r = float64((parsed>>16)&0xff) / 255
	g = float64((parsed>>8)&0xff) / 255
	b = float64(parsed&0xff) / 255
	return r, g, b
}
