package store

import "golang.org/x/crypto/blake2b"

// fingerprint hashes an entry's payload so a duplicate-append collision can
// be checked for identity without re-comparing the full payload on every
// merge (spec §4.5's "first-stored wins, second reported as integrity
// error" rule). This is content-integrity, not authentication — it does not
// bear on the engine's Non-goals around cryptographic auth.
func fingerprint(payload []byte) [32]byte {
	return blake2b.Sum256(payload)
}
