// Package token generates the random credentials used across the relay:
// numeric one-time passwords for the authorization handshake, hex session
// tokens issued on grant, and human-typable pairing codes.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// pairCodeAlphabet excludes ambiguous characters (0/O, 1/I/L).
const pairCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateOTP returns an 8-digit numeric one-time password,
// uniform in [10_000_000, 100_000_000).
func GenerateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(90_000_000))
	if err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic(fmt.Sprintf("token: reading random bytes: %v", err))
	}
	return fmt.Sprintf("%08d", n.Int64()+10_000_000)
}

// GenerateSessionToken returns a 64-character lowercase hex token
// (32 random bytes). Issued when an auth session is granted.
func GenerateSessionToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// GeneratePairCode returns a pairing code like "ABCD-EFGH": 8 symbols from
// the unambiguous alphabet with a hyphen after the fourth.
func GeneratePairCode() string {
	buf := make([]byte, 8)
	max := big.NewInt(int64(len(pairCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("token: reading random bytes: %v", err))
		}
		buf[i] = pairCodeAlphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:])
}
