package pinenut

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"io"
	"math/big"
)

// Encryption is per segment: a fresh secp256r1 ephemeral key pair is
// generated when a segment begins, the shared secret with the user's
// long-term public key is computed via ECDH, and the X coordinate (32 bytes,
// big-endian) yields the AES-128 key (X[0:16]) and CBC IV (X[16:32]). The
// ephemeral public key is written into the section header in 33-byte
// compressed form; the reader recomputes the same secret from it and the
// user's secret key. Confidentiality-only, not authenticated.

const (
	// CompressedPointLen is the size of a compressed secp256r1 point.
	CompressedPointLen = 33
	// SecretKeyLen is the size of a raw secp256r1 scalar.
	SecretKeyLen = 32

	aesKeyLen = 16
)

// GenerateKeyPair returns a fresh long-term key pair as base64 strings:
// the 32-byte secret scalar and the 33-byte compressed public point.
func GenerateKeyPair() (secret, public string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", errf(KindCrypto, "gen-keys", err, "")
	}
	return base64.StdEncoding.EncodeToString(priv.Bytes()),
		base64.StdEncoding.EncodeToString(compressPoint(priv.PublicKey())),
		nil
}

// ParsePublicKey decodes a base64 33-byte compressed secp256r1 point.
func ParsePublicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errf(KindCrypto, "parse key", err, "invalid base64")
	}
	return publicKeyFromCompressed(raw)
}

func publicKeyFromCompressed(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != CompressedPointLen {
		return nil, errf(KindCrypto, "parse key", nil, "public key is %d bytes, want %d", len(raw), CompressedPointLen)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil {
		return nil, errf(KindCrypto, "parse key", nil, "not a point on the curve")
	}
	uncompressed := make([]byte, 1+2*32)
	uncompressed[0] = 4
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])
	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, errf(KindCrypto, "parse key", err, "invalid public key")
	}
	return pub, nil
}

// ParseSecretKey builds a private key from a raw 32-byte scalar.
func ParseSecretKey(raw []byte) (*ecdh.PrivateKey, error) {
	if len(raw) != SecretKeyLen {
		return nil, errf(KindCrypto, "parse key", nil, "secret key is %d bytes, want %d", len(raw), SecretKeyLen)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, errf(KindCrypto, "parse key", err, "invalid secret key")
	}
	return priv, nil
}

func compressPoint(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // uncompressed, 0x04 || X || Y
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// sessionKeys derives the AES key and IV from an ECDH shared secret.
func sessionKeys(shared []byte) (key, iv []byte) {
	return shared[:aesKeyLen], shared[aesKeyLen : 2*aesKeyLen]
}

// newSegmentKeys generates an ephemeral key pair for one segment and derives
// the session key material against the user's public key. The returned
// compressed ephemeral point goes into the section header.
func newSegmentKeys(userPub *ecdh.PublicKey) (ephPub []byte, key, iv []byte, err error) {
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, errf(KindCrypto, "segment keys", err, "")
	}
	shared, err := eph.ECDH(userPub)
	if err != nil {
		return nil, nil, nil, errf(KindCrypto, "segment keys", err, "")
	}
	key, iv = sessionKeys(shared)
	return compressPoint(eph.PublicKey()), key, iv, nil
}

// streamCipher encrypts a byte stream with AES-128-CBC. Input shorter than
// a block is carried until more data arrives; finish pads the carry with
// PKCS#7 and must run before the segment's last bytes are written. The
// carry lives in process memory only, so a crash can cost up to 15 tail
// bytes of an encrypted stream.
type streamCipher struct {
	mode    cipher.BlockMode
	w       io.Writer
	carry   []byte
	scratch []byte
}

func newStreamCipher(key, iv []byte, w io.Writer) (*streamCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errf(KindCrypto, "encrypt", err, "")
	}
	return &streamCipher{
		mode:  cipher.NewCBCEncrypter(block, iv),
		w:     w,
		carry: make([]byte, 0, aes.BlockSize),
	}, nil
}

func (c *streamCipher) Write(p []byte) (int, error) {
	total := len(p)
	if len(c.carry) > 0 {
		n := min(aes.BlockSize-len(c.carry), len(p))
		c.carry = append(c.carry, p[:n]...)
		p = p[n:]
		if len(c.carry) < aes.BlockSize {
			return total, nil
		}
		if err := c.encryptBlocks(c.carry); err != nil {
			return 0, err
		}
		c.carry = c.carry[:0]
	}
	whole := len(p) / aes.BlockSize * aes.BlockSize
	if whole > 0 {
		if err := c.encryptBlocks(p[:whole]); err != nil {
			return 0, err
		}
	}
	c.carry = append(c.carry, p[whole:]...)
	return total, nil
}

func (c *streamCipher) encryptBlocks(src []byte) error {
	if cap(c.scratch) < len(src) {
		c.scratch = make([]byte, len(src))
	}
	dst := c.scratch[:len(src)]
	c.mode.CryptBlocks(dst, src)
	_, err := c.w.Write(dst)
	return err
}

// finish pads and flushes the carry, terminating the CBC stream. A stream
// whose cleartext ends block-aligned still gets a full padding block.
func (c *streamCipher) finish() error {
	pad := aes.BlockSize - len(c.carry)
	for i := 0; i < pad; i++ {
		c.carry = append(c.carry, byte(pad))
	}
	err := c.encryptBlocks(c.carry)
	c.carry = c.carry[:0]
	return err
}

// decryptSection decrypts one section body. Truncated tails (crash without
// a clean finish) are tolerated: the input is cut to a block multiple and
// an invalid final padding leaves the data unpadded rather than failing.
func decryptSection(body, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errf(KindCrypto, "decrypt", err, "")
	}
	n := len(body) / aes.BlockSize * aes.BlockSize
	if n == 0 {
		return nil, nil
	}
	plain := make([]byte, n)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body[:n])

	if pad := int(plain[n-1]); pad >= 1 && pad <= aes.BlockSize {
		valid := true
		for _, b := range plain[n-pad:] {
			if int(b) != pad {
				valid = false
				break
			}
		}
		if valid {
			return plain[:n-pad], nil
		}
	}
	return plain, nil
}
