package storage

import (
	"encoding/json"

	"github.com/jrsteele09/authflow/internal/secretbox"
	"github.com/pkg/errors"
)

// Codec converts records to and from their stored bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// SealedCodec encrypts the JSON form of a record before it reaches the backend.
// It is used for records that carry third-party credentials.
type SealedCodec struct {
	Box *secretbox.Box
}

func (c SealedCodec) Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	sealed, err := c.Box.Seal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "[SealedCodec.Marshal]")
	}
	return []byte(sealed), nil
}

func (c SealedCodec) Unmarshal(data []byte, v any) error {
	raw, err := c.Box.Open(string(data))
	if err != nil {
		return errors.Wrap(err, "[SealedCodec.Unmarshal]")
	}
	return json.Unmarshal(raw, v)
}

// CodecFor returns a sealing codec when a box is configured, plain JSON otherwise.
func CodecFor(box *secretbox.Box) Codec {
	if box == nil {
		return JSONCodec{}
	}
	return SealedCodec{Box: box}
}
