package chronos

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Payload blob envelope: a 6-byte header followed by the body.
//
//	bytes 0-3  magic "cdb1"
//	byte  4    flags (bit 0: snappy, bit 1: AES-GCM)
//	byte  5    reserved, zero
//
// Compression is applied before encryption.
const (
	codecMagic = "cdb1"

	codecFlagSnappy    = 1 << 0
	codecFlagEncrypted = 1 << 1
)

// payloadCodec encodes document payloads for the object tier.
type payloadCodec struct {
	compress  bool
	encryptor *payloadEncryptor
}

func newPayloadCodec(compress bool, enc *payloadEncryptor) *payloadCodec {
	return &payloadCodec{compress: compress, encryptor: enc}
}

// encode marshals a payload into an envelope blob.
func (c *payloadCodec) encode(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var flags byte
	if c.compress {
		body = snappy.Encode(nil, body)
		flags |= codecFlagSnappy
	}
	if c.encryptor != nil {
		body, err = c.encryptor.seal(body)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		flags |= codecFlagEncrypted
	}

	out := make([]byte, 0, len(codecMagic)+2+len(body))
	out = append(out, codecMagic...)
	out = append(out, flags, 0)
	return append(out, body...), nil
}

// decode unmarshals an envelope blob back into a payload.
func (c *payloadCodec) decode(blob []byte) (map[string]any, error) {
	if len(blob) < len(codecMagic)+2 || string(blob[:len(codecMagic)]) != codecMagic {
		return nil, errors.New("malformed payload envelope")
	}
	flags := blob[len(codecMagic)]
	body := blob[len(codecMagic)+2:]

	var err error
	if flags&codecFlagEncrypted != 0 {
		if c.encryptor == nil {
			return nil, errors.New("payload is encrypted but encryption is not configured")
		}
		body, err = c.encryptor.open(body)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
	}
	if flags&codecFlagSnappy != 0 {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}
