package ios

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	rfs "github.com/saamiyaaqeel/rime/internal/platform/filesystem"
)

// keyBag is a parsed iOS backup "BackupKeyBag": a sequence of 4-byte-tag,
// 4-byte-length, value TLV triples (big endian), as embedded (as raw
// NSData, not a nested plist) inside Manifest.plist's BackupKeyBag key.
// This is the documented on-disk structure Apple's backup format uses;
// RIME implements it directly since no Go port of iphone_backup_decrypt
// exists in the retrieval pack (see DESIGN.md).
type keyBag struct {
	salt       []byte
	iterations int
	dpsl       []byte // iOS 10.2+ inner-round salt, optional
	dpic       int    // iOS 10.2+ inner-round iterations, optional

	// classKeys maps protection class id -> wrapped class key (WPKY),
	// populated while parsing and replaced with the unwrapped key once
	// deriveKey succeeds.
	classKeys map[uint32][]byte
}

func parseKeyBag(data []byte) (*keyBag, error) {
	bag := &keyBag{classKeys: make(map[uint32][]byte)}

	var currentClass uint32
	var haveClass bool

	r := bytes.NewReader(data)
	for r.Len() >= 8 {
		var tag [4]byte
		if _, err := r.Read(tag[:]); err != nil {
			return nil, err
		}
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if int(length) > r.Len() {
			return nil, fmt.Errorf("ios: keybag: truncated %s entry", tag)
		}
		value := make([]byte, length)
		if _, err := r.Read(value); err != nil {
			return nil, err
		}

		switch string(tag[:]) {
		case "SALT":
			bag.salt = value
		case "ITER":
			bag.iterations = int(binary.BigEndian.Uint32(value))
		case "DPSL":
			bag.dpsl = value
		case "DPIC":
			bag.dpic = int(binary.BigEndian.Uint32(value))
		case "CLAS":
			currentClass = binary.BigEndian.Uint32(value)
			haveClass = true
		case "WPKY":
			if haveClass {
				bag.classKeys[currentClass] = value
				haveClass = false
			}
		}
	}

	if bag.salt == nil || bag.iterations == 0 {
		return nil, fmt.Errorf("ios: keybag: missing SALT/ITER")
	}
	return bag, nil
}

// deriveKey runs the passphrase -> passcode key derivation (an optional
// inner PBKDF2-SHA256 round over DPSL/DPIC for backups created by
// iOS >= 10.2, then PBKDF2-SHA1 over SALT/ITER), then unwraps every class
// key found in the bag. A wrong passphrase is detected because RFC 3394
// key unwrap self-checks its integrity vector; if no class key unwraps
// cleanly the passphrase is rejected.
func (b *keyBag) deriveKey(passphrase string) error {
	key := []byte(passphrase)

	if len(b.dpsl) > 0 && b.dpic > 0 {
		key = pbkdf2.Key(key, b.dpsl, b.dpic, 32, sha256.New)
	}
	passcodeKey := pbkdf2.Key(key, b.salt, b.iterations, 32, sha1.New)

	unwrapped := make(map[uint32][]byte, len(b.classKeys))
	anyOK := false
	for class, wpky := range b.classKeys {
		plain, err := aesKeyUnwrap(passcodeKey, wpky)
		if err != nil {
			continue
		}
		unwrapped[class] = plain
		anyOK = true
	}
	if !anyOK {
		return rfs.ErrWrongPassphrase
	}
	b.classKeys = unwrapped
	return nil
}

// aesKeyUnwrap implements RFC 3394 AES key unwrap. kek must be 16, 24 or
// 32 bytes; wrapped must be a multiple of 8 bytes with an 8-byte integrity
// prefix (0xA6A6A6A6A6A6A6A6) once unwrapped.
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 16 {
		return nil, fmt.Errorf("ios: key unwrap: bad wrapped length %d", len(wrapped))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:16+i*8])
	}

	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			var t uint64 = uint64(n*j + i)
			buf := make([]byte, 16)
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			for k := 0; k < 8; k++ {
				buf[7-k] ^= byte(t >> (8 * k))
			}
			dec := make([]byte, 16)
			block.Decrypt(dec, buf)
			copy(a[:], dec[:8])
			copy(r[i-1][:], dec[8:])
		}
	}

	expectedIV := []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}
	if !bytes.Equal(a[:], expectedIV) {
		return nil, fmt.Errorf("ios: key unwrap: integrity check failed")
	}

	out := make([]byte, 0, n*8)
	for _, block := range r {
		out = append(out, block[:]...)
	}
	return out, nil
}

// aesCBCDecryptPKCS7 decrypts ciphertext with a zero IV (as the backup
// format does throughout), removing PKCS7 padding from the final block.
func aesCBCDecryptPKCS7(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ios: decrypt: ciphertext not a multiple of block size")
	}
	iv := make([]byte, block.BlockSize())
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad > 0 && pad <= block.BlockSize() && pad <= len(out) {
		out = out[:len(out)-pad]
	}
	return out, nil
}
