package codec

// Bytes passes []byte payloads through unchanged. Used when a caller already holds
// an encoded record (e.g. a json.RawMessage from the API).
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String stores fingerprints and other opaque tokens as their UTF-8 bytes.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
