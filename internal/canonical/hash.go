package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashLen — длина hex-дайджеста SHA-256.
const HashLen = 64

// HashBytes — дайджест канонических байтов, hex в нижнем регистре.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashPayload — канонизация + хеш одним вызовом.
func HashPayload(p Payload) (string, error) {
	b, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
