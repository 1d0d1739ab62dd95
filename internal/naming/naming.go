package naming

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON renders v as JSON with object keys sorted lexicographically
// at every depth. Numbers keep their source literal so the same value always
// hashes the same way regardless of how the payload was decoded.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, node); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, node any) error {
	switch n := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if n {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(n.String())
	case string:
		enc, err := json.Marshal(n)
		if err != nil {
			return err
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, item := range n {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, n[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unexpected node type %T", node)
	}
	return nil
}

// ConfigHash is the 8-hex-char truncation used in deterministic output
// filenames.
func ConfigHash(config any) (string, error) {
	return hashHex(config, 8)
}

// QueryHash is the 32-hex-char id used for cache-keyed outputs.
func QueryHash(input any) (string, error) {
	return hashHex(input, 32)
}

func hashHex(v any, n int) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	full := hex.EncodeToString(sum[:])
	if n > len(full) {
		n = len(full)
	}
	return full[:n], nil
}

// OutputName builds the idempotent artifact filename for one step run.
// Identical (uploadID, stepKind, config) always map to the same name, so
// re-execution overwrites instead of duplicating.
func OutputName(stepKind, uploadID string, config any, ext string) (string, error) {
	h, err := ConfigHash(config)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%s_%s.%s", stepKind, uploadID, h, ext), nil
}
