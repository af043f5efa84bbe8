package cryptoutil

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of archive and config keys.
const KeySize = 32

// ParseKey expects a 32-byte key in base64 or hex form, optionally prefixed
// with "base64:" or "hex:". Unprefixed keys are tried as base64 first.
func ParseKey(key string) ([]byte, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("encryption key is empty")
	}

	var data []byte
	var err error
	if rest, ok := strings.CutPrefix(trimmed, "base64:"); ok {
		data, err = base64.StdEncoding.DecodeString(rest)
	} else if rest, ok := strings.CutPrefix(trimmed, "hex:"); ok {
		data, err = hex.DecodeString(rest)
	} else if data, err = base64.StdEncoding.DecodeString(trimmed); err != nil || len(data) != KeySize {
		if decoded, hexErr := hex.DecodeString(trimmed); hexErr == nil {
			data, err = decoded, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("invalid key length: %d (expected %d bytes)", len(data), KeySize)
	}
	return data, nil
}
