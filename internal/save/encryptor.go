package save

import "io"

// Encryptor protects archives placed in the shared sync store. Encryption
// uses the public key only, so push never prompts. Pulling an encrypted
// archive requires unlocking the private key with a passphrase first.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `savesync sync
	// key init`. Generates a key pair, stores the public key in plaintext,
	// and encrypts the private key with the provided passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext for the session. Returns an error if the
	// passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the
// duration of a pull session. The unlocked key is never written to disk.
type DecryptionContext interface {
	// Decrypt decrypts data read from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}
