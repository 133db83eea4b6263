package encryption

import (
	"bytes"
	"errors"
	"testing"
)

// 测试用低成本参数
func testParams() Params {
	return Params{Argon2Time: 1, Argon2MemoryKiB: 1024, Argon2Threads: 1, ScryptN: 1 << 10, PBKDF2Iter: 1000}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("quarterly numbers: revenue up 12%")
	passphrase := []byte("correct horse battery staple")

	for _, alg := range []string{AlgXChaCha20Poly1305, AlgAES256GCM} {
		for _, kdf := range []string{KDFArgon2id, KDFScrypt, KDFPBKDF2} {
			t.Run(alg+"/"+kdf, func(t *testing.T) {
				l, err := New(alg, kdf, testParams())
				if err != nil {
					t.Fatalf("New: %v", err)
				}
				ct, err := l.Encrypt(plaintext, passphrase)
				if err != nil {
					t.Fatalf("Encrypt: %v", err)
				}
				if bytes.Contains(ct, plaintext) {
					t.Fatal("ciphertext contains plaintext")
				}
				gotAlg, gotKDF, err := Describe(ct)
				if err != nil || gotAlg != alg || gotKDF != kdf {
					t.Fatalf("Describe = %q, %q, %v; want %q, %q", gotAlg, gotKDF, err, alg, kdf)
				}
				pt, err := l.Decrypt(ct, passphrase)
				if err != nil {
					t.Fatalf("Decrypt: %v", err)
				}
				if !bytes.Equal(pt, plaintext) {
					t.Fatalf("Decrypt = %q, want %q", pt, plaintext)
				}
			})
		}
	}
}

func TestDecryptWrongKey(t *testing.T) {
	l, _ := New(AlgXChaCha20Poly1305, KDFArgon2id, testParams())
	ct, err := l.Encrypt([]byte("secret"), []byte("right"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := l.Decrypt(ct, []byte("wrong")); !errors.Is(err, ErrKey) {
		t.Fatalf("expected ErrKey, got %v", err)
	}
	if _, err := l.Decrypt(ct, nil); !errors.Is(err, ErrKey) {
		t.Fatalf("expected ErrKey for empty passphrase, got %v", err)
	}
}

func TestDecryptUsesEnvelopeAlgorithm(t *testing.T) {
	// 配置换成 AES 后，旧的 XChaCha 密文仍然可以解密
	old, _ := New(AlgXChaCha20Poly1305, KDFScrypt, testParams())
	ct, err := old.Encrypt([]byte("legacy"), []byte("pw"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	current, _ := New(AlgAES256GCM, KDFPBKDF2, testParams())
	pt, err := current.Decrypt(ct, []byte("pw"))
	if err != nil || string(pt) != "legacy" {
		t.Fatalf("Decrypt = %q, %v", pt, err)
	}
}

func TestDecryptTamperedHeader(t *testing.T) {
	l, _ := New(AlgAES256GCM, KDFPBKDF2, testParams())
	ct, _ := l.Encrypt([]byte("data"), []byte("pw"))
	ct[len(magic)+4] ^= 0xff // salt 第一个字节
	if _, err := l.Decrypt(ct, []byte("pw")); !errors.Is(err, ErrKey) {
		t.Fatalf("expected ErrKey, got %v", err)
	}
}

func TestDecryptMalformed(t *testing.T) {
	l, _ := New(AlgAES256GCM, KDFPBKDF2, testParams())
	if _, err := l.Decrypt([]byte("plain text"), []byte("pw")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New("rot13", KDFArgon2id, testParams()); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if _, err := New(AlgAES256GCM, "md5", testParams()); err == nil {
		t.Fatal("expected error for unknown kdf")
	}
}
