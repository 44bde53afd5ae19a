package charcard

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// ErrNoCardData is returned for PNG files without an embedded card.
var ErrNoCardData = errors.New("png has no character card data")

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature)
}

// pngPayload returns the decoded card JSON from a PNG tEXt chunk. The ccv3
// keyword wins over chara when both are present.
func pngPayload(data []byte) ([]byte, error) {
	texts := map[string][]byte{}
	rest := data[len(pngSignature):]
	for len(rest) >= 12 {
		length := binary.BigEndian.Uint32(rest[:4])
		typ := string(rest[4:8])
		if uint64(len(rest)) < 12+uint64(length) {
			return nil, fmt.Errorf("truncated png chunk %s", typ)
		}
		body := rest[8 : 8+length]
		if typ == "tEXt" {
			if keyword, value, ok := bytes.Cut(body, []byte{0}); ok {
				texts[string(keyword)] = value
			}
		}
		if typ == "IEND" {
			break
		}
		rest = rest[12+length:]
	}
	for _, keyword := range []string{"ccv3", "chara"} {
		if raw, ok := texts[keyword]; ok {
			out, err := base64.StdEncoding.DecodeString(string(raw))
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s chunk: %w", keyword, err)
			}
			return out, nil
		}
	}
	return nil, ErrNoCardData
}
