package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dslipak/pdf"

	"pkm-engine/internal/model"
)

// TextExtractor 从二进制文档中提取文本，由 Tika 客户端实现。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// Normalized 是步骤 (a) 的结果，Hash 只取决于 Text。
type Normalized struct {
	Text        string
	Hash        string
	ContentType string
}

// Normalizer 把各种输入规范化为 UTF-8 文本。tika 为 nil 时不支持 PDF/DOCX 以外的二进制格式。
type Normalizer struct {
	tika TextExtractor
}

func NewNormalizer(tika TextExtractor) *Normalizer {
	return &Normalizer{tika: tika}
}

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Hash 返回规范化文本的 sha256 十六进制串。
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NormalizeText 去掉 BOM，统一换行为 LF，并替换非法的 UTF-8 字节。
func NormalizeText(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// DetectContentType 依次参考调用方声明、文件扩展名和内容嗅探。
func DetectContentType(declared, fileName string, raw []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if ext := filepath.Ext(fileName); ext != "" {
		switch strings.ToLower(ext) {
		case ".md", ".markdown":
			return "text/markdown"
		case ".docx":
			return mimeDOCX
		}
		if mt := mime.TypeByExtension(ext); mt != "" {
			if base, _, err := mime.ParseMediaType(mt); err == nil {
				return base
			}
		}
	}
	if bytes.HasPrefix(raw, []byte("%PDF-")) {
		return mimePDF
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(raw))
	return mt
}

func isTextual(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "text/"):
		return true
	case contentType == "application/json", contentType == "application/xml",
		contentType == "application/x-yaml", contentType == "application/yaml",
		contentType == "message/rfc822":
		return true
	}
	return false
}

// Normalize 执行步骤 (a)：提取文本、规范化并计算哈希。
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, declared, fileName string) (*Normalized, error) {
	ct := DetectContentType(declared, fileName, raw)
	var text string
	var err error
	switch {
	case ct == mimePDF:
		text, err = extractPDF(raw)
		if err != nil && n.tika != nil {
			text, err = n.tika.ExtractText(ctx, bytes.NewReader(raw), fileName)
		}
	case ct == mimeDOCX:
		text, err = extractDOCX(raw)
	case isTextual(ct) || utf8.Valid(raw):
		text = string(raw)
	case n.tika != nil:
		text, err = n.tika.ExtractText(ctx, bytes.NewReader(raw), fileName)
	default:
		// 无法识别的二进制内容按文本处理，非法字节会被替换
		text = string(raw)
	}
	if err != nil {
		return nil, &model.StageError{Stage: model.StageNormalize, Err: model.NewValidationError("cannot extract text from %s: %v", ct, err)}
	}
	text = NormalizeText(text)
	return &Normalized{Text: text, Hash: Hash(text), ContentType: ct}, nil
}

func extractPDF(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	b, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to read PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(b); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// extractDOCX 读取 word/document.xml 中的文本，段落之间换行。
func extractDOCX(raw []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX zip: %w", err)
	}
	var documentXML *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			documentXML = f
			break
		}
	}
	if documentXML == nil {
		return "", fmt.Errorf("invalid docx: missing word/document.xml")
	}
	rc, err := documentXML.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
			case "tab":
				sb.WriteString("\t")
			}
		case xml.CharData:
			sb.Write(t)
		}
	}
	return sb.String(), nil
}
