package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Sign computes the webhook signature header value:
// "sha256=" + hex(HMAC-SHA256(secret, "<unix_ts>.<canonical_payload>")).
// Built on the same crypto/hmac + crypto/sha256 primitives as the
// notification package's HMACSign helper, adapted to this signature format.
func Sign(secret []byte, unixTS int64, payload []byte) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", err
	}
	signed := fmt.Sprintf("%d.%s", unixTS, canonical)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signed))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the correct signature for payload at unixTS
// under secret, for symmetry with Sign and for endpoint-side test doubles.
func Verify(secret []byte, unixTS int64, payload []byte, sig string) (bool, error) {
	want, err := Sign(secret, unixTS, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(sig)), nil
}

// canonicalize re-serializes payload with object keys sorted at every level,
// so the sender and receiver always sign byte-identical JSON.
func canonicalize(payload []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
