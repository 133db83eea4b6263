package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkm-engine/internal/model"
)

func TestNormalizeTextHashIsStable(t *testing.T) {
	n := NewNormalizer(nil)
	ctx := context.Background()
	a, err := n.Normalize(ctx, []byte("\ufeffline one\r\nline two\r\n"), "", "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(ctx, []byte("line one\nline two\n"), "", "b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != "line one\nline two\n" || a.Hash != b.Hash {
		t.Fatalf("normalized %q (%s) vs %s", a.Text, a.Hash, b.Hash)
	}
	if a.ContentType != "text/plain" {
		t.Fatalf("content type = %s", a.ContentType)
	}
}

func TestNormalizeRepairsInvalidUTF8(t *testing.T) {
	got := NormalizeText("ok\xffok")
	if got != "ok\ufffdok" {
		t.Fatalf("got %q", got)
	}
}

func TestDetectContentType(t *testing.T) {
	cases := []struct {
		declared, name string
		raw            []byte
		want           string
	}{
		{"text/html; charset=utf-8", "", nil, "text/html"},
		{"", "notes.md", nil, "text/markdown"},
		{"", "scan", []byte("%PDF-1.7 ..."), mimePDF},
		{"", "report.docx", nil, mimeDOCX},
		{"", "", []byte("plain words"), "text/plain"},
	}
	for _, tc := range cases {
		if got := DetectContentType(tc.declared, tc.name, tc.raw); got != tc.want {
			t.Errorf("DetectContentType(%q,%q) = %q, want %q", tc.declared, tc.name, got, tc.want)
		}
	}
}

func docxBytes(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0"?><w:document xmlns:w="urn:w"><w:body>`)
	for _, p := range paragraphs {
		sb.WriteString("<w:p><w:r><w:t>" + p + "</w:t></w:r></w:p>")
	}
	sb.WriteString("</w:body></w:document>")
	if _, err := io.WriteString(w, sb.String()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeDOCX(t *testing.T) {
	n := NewNormalizer(nil)
	got, err := n.Normalize(context.Background(), docxBytes(t, "Hello", "World"), "", "memo.docx")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Hello\nWorld" {
		t.Fatalf("text = %q", got.Text)
	}
}

type stubTika struct{ calls int }

func (s *stubTika) ExtractText(context.Context, io.Reader, string) (string, error) {
	s.calls++
	return "from tika", nil
}

func TestNormalizeBrokenPDF(t *testing.T) {
	raw := []byte("%PDF-1.4 not really a pdf")
	if _, err := NewNormalizer(nil).Normalize(context.Background(), raw, "", "x.pdf"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	tika := &stubTika{}
	got, err := NewNormalizer(tika).Normalize(context.Background(), raw, "", "x.pdf")
	if err != nil || got.Text != "from tika" || tika.calls != 1 {
		t.Fatalf("tika fallback = %+v, %v", got, err)
	}
}
