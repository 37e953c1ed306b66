// Package extract turns uploaded case documents into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrNoText      = errors.New("no text extracted from document")
)

// SupportedExtensions lists the lower-case extensions Extract accepts.
var SupportedExtensions = []string{".pdf"}

// Supported reports whether filename has an extractable extension.
func Supported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

type Config struct {
	// DisablePdftotext skips the poppler CLI and always uses the Go parser.
	DisablePdftotext bool
	Logger           *slog.Logger
}

// PDFExtractor extracts text with pdftotext when installed and falls back to
// github.com/ledongthuc/pdf.
type PDFExtractor struct {
	cfg Config
}

func NewPDFExtractor(cfg Config) *PDFExtractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PDFExtractor{cfg: cfg}
}

func (e *PDFExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if !Supported(filename) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(filename))
	}
	if len(data) == 0 {
		return "", ErrNoText
	}
	if !e.cfg.DisablePdftotext {
		text, err := e.withPdftotext(ctx, data)
		if err == nil && text != "" {
			return text, nil
		}
		e.cfg.Logger.Debug("pdftotext unavailable, using go parser", "err", err)
	}
	return e.withGoLib(data)
}

func (e *PDFExtractor) withPdftotext(ctx context.Context, data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	tmp, err := os.CreateTemp("", "case-*.pdf")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	text := normalizeTextPreserveNewlines(string(output))
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func (e *PDFExtractor) withGoLib(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			e.cfg.Logger.Warn("skipping unreadable pdf page", "page", i, "err", err)
			continue
		}
		if pageText = normalizeTextPreserveNewlines(pageText); pageText != "" {
			pages = append(pages, pageText)
		}
	}
	if len(pages) == 0 {
		return "", ErrNoText
	}
	return strings.Join(pages, "\n"), nil
}

// normalizeTextPreserveNewlines collapses runs of blanks inside lines and
// runs of empty lines, keeping paragraph structure for the model.
func normalizeTextPreserveNewlines(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
