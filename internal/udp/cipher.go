package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the AES-128 key length used for media encryption.
const KeySize = 16

// Encryption is the scheme name advertised to devices.
const Encryption = "aes-128-ctr"

// Crypt applies AES-128-CTR to src with the given key and 16-byte IV.
// Encryption and decryption are the same operation.
func Crypt(key, iv, src []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	dst := make([]byte, len(src))
	cipher.NewCTR(block, iv[:aes.BlockSize]).XORKeyStream(dst, src)
	return dst, nil
}
