// Package ocrengine runs local OCR on rendered page images.
//
// The default engine wraps Tesseract via gosseract. Engine failures are
// never fatal to a run: callers receive an empty string and decide whether
// to fall back to the VLM path.
package ocrengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Engine recognizes text in one encoded page image.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Tesseract is a gosseract-backed Engine. A fresh client is created per
// call; gosseract clients are not safe for concurrent reuse.
type Tesseract struct {
	languages []string
	logger    *slog.Logger
}

// NewTesseract creates a Tesseract engine for the given language spec
// ("chi_sim+eng" style, as accepted by tesseract -l).
func NewTesseract(lang string, logger *slog.Logger) *Tesseract {
	if logger == nil {
		logger = slog.Default()
	}
	var languages []string
	for _, l := range strings.Split(lang, "+") {
		if l = strings.TrimSpace(l); l != "" {
			languages = append(languages, l)
		}
	}
	return &Tesseract{languages: languages, logger: logger}
}

// Recognize runs Tesseract on the image and returns trimmed text.
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := gosseract.NewClient()
	defer c.Close()

	if err := c.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if len(t.languages) > 0 {
		if err := c.SetLanguage(t.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// RecognizeOrEmpty runs Recognize and degrades any engine failure to an
// empty string with a warning. This is the pipeline-facing entry point:
// a broken local OCR install must not kill a paid run.
func RecognizeOrEmpty(ctx context.Context, e Engine, image []byte, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	text, err := e.Recognize(ctx, image)
	if err != nil {
		logger.Warn("local ocr failed", "error", err)
		return ""
	}
	return text
}
