package model

import (
	"errors"
	"fmt"
)

// 错误分类。调用方通过 errors.Is 判断类别，通过 errors.As 取出 StageError。
var (
	ErrValidation         = errors.New("validation error")
	ErrDuplicateContent   = errors.New("duplicate content")
	ErrExtraction         = errors.New("extraction failure")
	ErrRelationshipBuild  = errors.New("relationship build failure")
	ErrStorage            = errors.New("storage failure")
	ErrEncryptionKey      = errors.New("encryption key error")
	ErrIndex              = errors.New("index failure")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrGraphUnavailable   = errors.New("graph store unavailable")
	ErrJobAlreadyFinished = errors.New("job already finished")
)

// 流水线阶段名
const (
	StageNormalize = "normalize"
	StageDedup     = "dedup"
	StageStore     = "store"
	StageExtract   = "extract"
	StageGraph     = "relationships"
	StageIndex     = "index"
	StagePublish   = "publish"
)

// StageError 记录失败的流水线阶段。
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewValidationError 构造带说明的校验错误。
func NewValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Wrap 用类别 kind 包装 err，保留原始错误链。
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// IsRetryable 只有存储类错误值得重试，校验和密钥错误重试也不会成功。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrEncryptionKey) {
		return false
	}
	return errors.Is(err, ErrStorage)
}

// FailedStage 取出错误链上的阶段名。
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
