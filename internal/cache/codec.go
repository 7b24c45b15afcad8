package cache

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// envelope is the serialized form of a record for stores that hold opaque
// values. Core deterministic encoding keeps replays of the same response
// byte-identical.
type envelope struct {
	URL        string `cbor:"1,keyasint"`
	Body       []byte `cbor:"2,keyasint"`
	Compressed bool   `cbor:"3,keyasint,omitempty"`
	ETag       string `cbor:"4,keyasint,omitempty"`
	Modified   int64  `cbor:"5,keyasint,omitempty"`
	Expires    int64  `cbor:"6,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeRecord(key string, rec Record, compress bool) ([]byte, error) {
	env := envelope{
		URL:      key,
		Body:     rec.Body,
		ETag:     rec.ETag,
		Modified: toMillis(rec.Modified),
		Expires:  toMillis(rec.Expires),
	}
	if compress && len(rec.Body) > 0 {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(rec.Body); err != nil {
			return nil, fmt.Errorf("failed to compress record: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress record: %w", err)
		}
		env.Body = buf.Bytes()
		env.Compressed = true
	}
	return encMode.Marshal(env)
}

// decodeRecord returns the record and the key it was stored under.
func decodeRecord(data []byte) (string, Record, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	body := env.Body
	if env.Compressed {
		b, err := io.ReadAll(lz4.NewReader(bytes.NewReader(env.Body)))
		if err != nil {
			return "", Record{}, fmt.Errorf("failed to decompress record: %w", err)
		}
		body = b
	}
	return env.URL, Record{
		Body:     body,
		ETag:     env.ETag,
		Modified: fromMillis(env.Modified),
		Expires:  fromMillis(env.Expires),
	}, nil
}
