// Package encryption 实现对存储内容的认证加密。
//
// 密文是自描述的信封：
//
//	"PKME" | version(1) | alg(1) | kdf(1) | saltLen(1) | salt | nonceLen(1) | nonce | ciphertext
//
// 解密时从信封中读出算法和 KDF，所以修改配置不影响已有文档的解密。
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	AlgXChaCha20Poly1305 = "xchacha20-poly1305"
	AlgAES256GCM         = "aes-256-gcm"

	KDFArgon2id = "argon2id"
	KDFScrypt   = "scrypt"
	KDFPBKDF2   = "pbkdf2-sha256"
)

var (
	// ErrKey 表示密钥缺失或错误，调用方会映射为 EncryptionKeyError。
	ErrKey = errors.New("missing or wrong encryption key")
	// ErrMalformed 表示密文不是本包产生的信封。
	ErrMalformed = errors.New("malformed ciphertext envelope")
)

var magic = []byte("PKME")

const (
	version  = 1
	keyLen   = 32
	saltSize = 16
)

var algIDs = map[string]byte{AlgXChaCha20Poly1305: 1, AlgAES256GCM: 2}
var kdfIDs = map[string]byte{KDFArgon2id: 1, KDFScrypt: 2, KDFPBKDF2: 3}

// Params 是 KDF 的成本参数。
type Params struct {
	Argon2Time      uint32
	Argon2MemoryKiB uint32
	Argon2Threads   uint8
	ScryptN         int
	PBKDF2Iter      int
}

// DefaultParams 返回交互场景下的推荐参数。
func DefaultParams() Params {
	return Params{
		Argon2Time:      1,
		Argon2MemoryKiB: 64 * 1024,
		Argon2Threads:   4,
		ScryptN:         1 << 15,
		PBKDF2Iter:      600000,
	}
}

// Layer 使用固定的算法和 KDF 加密，解密时按信封中的标识选择。
type Layer struct {
	algorithm string
	kdf       string
	params    Params
}

// New 校验算法和 KDF 名称。
func New(algorithm, kdf string, params Params) (*Layer, error) {
	if _, ok := algIDs[algorithm]; !ok {
		return nil, fmt.Errorf("unsupported encryption algorithm %q", algorithm)
	}
	if _, ok := kdfIDs[kdf]; !ok {
		return nil, fmt.Errorf("unsupported key derivation %q", kdf)
	}
	return &Layer{algorithm: algorithm, kdf: kdf, params: params}, nil
}

func (l *Layer) Algorithm() string { return l.algorithm }
func (l *Layer) KDF() string       { return l.kdf }

// Encrypt 用 passphrase 派生密钥并加密 plaintext，每次调用使用新的 salt 和 nonce。
func (l *Layer) Encrypt(plaintext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrKey
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := l.deriveKey(l.kdf, passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(l.algorithm, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 0, len(magic)+5+len(salt)+len(nonce))
	header = append(header, magic...)
	header = append(header, version, algIDs[l.algorithm], kdfIDs[l.kdf], byte(len(salt)))
	header = append(header, salt...)
	header = append(header, byte(len(nonce)))
	header = append(header, nonce...)

	// 信封头作为附加数据参与认证，篡改算法标识会导致解密失败
	aad := append([]byte(nil), header...)
	return aead.Seal(header, nonce, plaintext, aad), nil
}

// Decrypt 解析信封并解密。密钥错误或密文被篡改都返回 ErrKey。
func (l *Layer) Decrypt(ciphertext, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrKey
	}
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := l.deriveKey(env.kdf, passphrase, env.salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(env.alg, key)
	if err != nil {
		return nil, err
	}
	if len(env.nonce) != aead.NonceSize() {
		return nil, ErrMalformed
	}
	plaintext, err := aead.Open(nil, env.nonce, env.body, env.header)
	if err != nil {
		return nil, ErrKey
	}
	return plaintext, nil
}

// IsEnvelope 判断数据是否以信封魔数开头。
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Describe 返回信封中记录的算法和 KDF。
func Describe(ciphertext []byte) (alg, kdf string, err error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", "", err
	}
	return env.alg, env.kdf, nil
}

type envelope struct {
	alg    string
	kdf    string
	salt   []byte
	nonce  []byte
	header []byte
	body   []byte
}

func parseEnvelope(data []byte) (*envelope, error) {
	if !IsEnvelope(data) || len(data) < len(magic)+4 {
		return nil, ErrMalformed
	}
	p := len(magic)
	if data[p] != version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[p])
	}
	env := &envelope{
		alg: lookup(algIDs, data[p+1]),
		kdf: lookup(kdfIDs, data[p+2]),
	}
	if env.alg == "" || env.kdf == "" {
		return nil, ErrMalformed
	}
	saltLen := int(data[p+3])
	p += 4
	if len(data) < p+saltLen+1 {
		return nil, ErrMalformed
	}
	env.salt = data[p : p+saltLen]
	p += saltLen
	nonceLen := int(data[p])
	p++
	if len(data) < p+nonceLen {
		return nil, ErrMalformed
	}
	env.nonce = data[p : p+nonceLen]
	p += nonceLen
	env.header = data[:p]
	env.body = data[p:]
	return env, nil
}

func lookup(ids map[string]byte, id byte) string {
	for name, v := range ids {
		if v == id {
			return name
		}
	}
	return ""
}

func (l *Layer) deriveKey(kdf string, passphrase, salt []byte) ([]byte, error) {
	switch kdf {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, l.params.Argon2Time, l.params.Argon2MemoryKiB, l.params.Argon2Threads, keyLen), nil
	case KDFScrypt:
		key, err := scrypt.Key(passphrase, salt, l.params.ScryptN, 8, 1, keyLen)
		if err != nil {
			return nil, fmt.Errorf("scrypt: %w", err)
		}
		return key, nil
	case KDFPBKDF2:
		return pbkdf2.Key(passphrase, salt, l.params.PBKDF2Iter, keyLen, sha256.New), nil
	default:
		return nil, fmt.Errorf("unsupported key derivation %q", kdf)
	}
}

func newAEAD(alg string, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case AlgAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm %q", alg)
	}
}
