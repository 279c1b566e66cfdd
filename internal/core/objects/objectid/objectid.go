// Package objectid generates content-addressed identifiers for new objects.
//
// An id has the form "<kind>:<digest>@<millis>" where digest is the unpadded
// base64url SHA-256 of "<initialValue>:<nonce>". The kind prefix lets any
// replica infer the object variant before its state arrives.
package objectid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Kind is the object variant encoded in an id prefix.
type Kind string

const (
	KindMap     Kind = "map"
	KindCounter Kind = "counter"
)

const (
	nonceLength   = 16
	nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Create returns the object id for the given inputs. Equal inputs always
// produce equal ids.
func Create(kind Kind, initialValue, nonce string, timestamp time.Time) string {
	digest := sha256.Sum256([]byte(initialValue + ":" + nonce))
	hash := base64.RawURLEncoding.EncodeToString(digest[:])
	return string(kind) + ":" + hash + "@" + strconv.FormatInt(timestamp.UnixMilli(), 10)
}

// ParseKind returns the text before the first ':' of id. ok is false when id
// has no separator or the prefix is not a known kind.
func ParseKind(id string) (Kind, bool) {
	prefix, _, found := strings.Cut(id, ":")
	if !found {
		return "", false
	}
	switch Kind(prefix) {
	case KindMap, KindCounter:
		return Kind(prefix), true
	default:
		return Kind(prefix), false
	}
}

// GenerateNonce returns a random alphanumeric string of 16 characters.
func GenerateNonce() (string, error) {
	var sb strings.Builder
	sb.Grow(nonceLength)
	limit := big.NewInt(int64(len(nonceAlphabet)))
	for i := 0; i < nonceLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteByte(nonceAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
