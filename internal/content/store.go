// Package content 实现内容寻址存储，并在其上叠加可选的加密层。
package content

import (
	"context"
	"errors"
	"fmt"

	"pkm-engine/internal/model"
	"pkm-engine/pkg/encryption"
	"pkm-engine/pkg/storage"
)

// Object 描述一次写入的结果，加密元数据随文档记录保存。
type Object struct {
	Key       string
	Encrypted bool
	Algorithm string
	KDF       string
}

// Store 按内容哈希寻址保存文档原始字节。
type Store struct {
	blobs      storage.BlobStore
	enc        *encryption.Layer
	passphrase []byte
}

// NewStore enc 为 nil 时不支持加密文档。
func NewStore(blobs storage.BlobStore, enc *encryption.Layer, passphrase string) *Store {
	return &Store{blobs: blobs, enc: enc, passphrase: []byte(passphrase)}
}

// BlobKey 返回哈希对应的对象键，加密内容使用独立的键。
func BlobKey(hash string, encrypted bool) string {
	prefix := "xx"
	if len(hash) >= 2 {
		prefix = hash[:2]
	}
	key := fmt.Sprintf("blobs/%s/%s", prefix, hash)
	if encrypted {
		key += ".enc"
	}
	return key
}

// Put 写入内容。明文对象已存在时直接复用。
func (s *Store) Put(ctx context.Context, hash string, data []byte, contentType string, encrypt bool) (*Object, error) {
	obj := &Object{Key: BlobKey(hash, encrypt), Encrypted: encrypt}
	payload := data
	if encrypt {
		if s.enc == nil {
			return nil, fmt.Errorf("%w: encryption layer not configured", model.ErrEncryptionKey)
		}
		ct, err := s.enc.Encrypt(data, s.passphrase)
		if err != nil {
			return nil, mapCryptoErr(err)
		}
		payload = ct
		obj.Algorithm = s.enc.Algorithm()
		obj.KDF = s.enc.KDF()
		contentType = "application/octet-stream"
	} else {
		exists, err := s.blobs.Exists(ctx, obj.Key)
		if err != nil {
			return nil, model.Wrap(model.ErrStorage, err)
		}
		if exists {
			return obj, nil
		}
	}
	if err := s.blobs.Put(ctx, obj.Key, payload, contentType); err != nil {
		return nil, model.Wrap(model.ErrStorage, err)
	}
	return obj, nil
}

// Get 读取文档内容。decrypt=false 时加密文档返回密文原样。
func (s *Store) Get(ctx context.Context, doc *model.Document, decrypt bool) ([]byte, error) {
	data, err := s.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: blob %s", model.ErrNotFound, doc.BlobKey)
		}
		return nil, model.Wrap(model.ErrStorage, err)
	}
	if !doc.Encrypted || !decrypt {
		return data, nil
	}
	if s.enc == nil {
		return nil, fmt.Errorf("%w: encryption layer not configured", model.ErrEncryptionKey)
	}
	pt, err := s.enc.Decrypt(data, s.passphrase)
	if err != nil {
		return nil, mapCryptoErr(err)
	}
	return pt, nil
}

// Delete 删除对象，不存在时不报错。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.blobs.Delete(ctx, key); err != nil {
		return model.Wrap(model.ErrStorage, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

func mapCryptoErr(err error) error {
	if errors.Is(err, encryption.ErrKey) || errors.Is(err, encryption.ErrMalformed) {
		return model.Wrap(model.ErrEncryptionKey, err)
	}
	return err
}
