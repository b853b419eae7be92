// Package token holds the device's shared provisioning token (spec
// §4.5's write-config/read-config authorization secret) in an
// awnumar/memguard enclave so it never sits as a plain Go string in
// process memory longer than a comparison requires.
package token

import (
	"github.com/awnumar/memguard"
)

// Token is the device's shared secret, sealed in a memguard Enclave
// for the lifetime of the process.
type Token struct {
	enclave *memguard.Enclave
}

// New seals secret into a fresh enclave. The caller's copy of secret
// should be discarded (memguard.WipeBytes if it came from a byte slice
// the caller controls) once New returns.
func New(secret []byte) *Token {
	buf := memguard.NewBufferFromBytes(secret)
	return &Token{enclave: buf.Seal()}
}

// Matches reports whether candidate equals the sealed token. Comparison
// happens inside the temporarily-opened buffer so the secret is decrypted
// for the minimum time possible.
func (t *Token) Matches(candidate string) bool {
	buf, err := t.enclave.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(candidate))
}

// Purge destroys all memguard state for this process, including every
// sealed Token. Call once at shutdown.
func Purge() {
	memguard.Purge()
}
