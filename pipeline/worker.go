package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/extractmd/ocrengine"
	"github.com/hazyhaar/extractmd/quality"
	"github.com/hazyhaar/extractmd/vlm"
)

// PageSource is a paginated document the worker can read.
type PageSource interface {
	Path() string
	PageCount() int
	PageText(index int) string
	ImageCoverage(index int) float64
}

// PageRenderer rasterizes one page of the document at path to PNG.
type PageRenderer interface {
	RenderPage(ctx context.Context, path string, index int) ([]byte, error)
}

// Chatter is the subset of the VLM client the pipeline needs.
type Chatter interface {
	Chat(ctx context.Context, req vlm.ChatRequest) (string, error)
}

const (
	// vlmAttempts bounds retries within one page attempt; each retry asks
	// the next model in rotation.
	vlmAttempts = 3
	// imageCoverageThreshold: above this, auto modes distrust the text
	// layer even when it is long enough.
	imageCoverageThreshold = 0.3

	extractMaxTokens = 8192

	extractPrompt = "Transcribe all text in this page image to Markdown. " +
		"Preserve headings, lists and tables. Output only the transcribed " +
		"content with no commentary, no code fences and no description of " +
		"the image."
)

// Worker extracts text from single pages using the method's tier chain.
type Worker struct {
	Client     Chatter
	Models     *vlm.ModelPool
	Engine     ocrengine.Engine
	Renderer   PageRenderer
	MinTextLen int
	MinOCRLen  int
	Logger     *slog.Logger

	// Backoff overrides the transient-fault delay; nil uses attempt*3s.
	Backoff func(attempt int) time.Duration
}

// ProcessPage extracts one page with the given method. The only error it
// returns is context cancellation; every extraction failure degrades to a
// weaker tier or an empty string.
func (w *Worker) ProcessPage(ctx context.Context, doc PageSource, index int, method Method) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	log := w.logger().With("page", index, "method", method)

	switch method {
	case MethodText:
		return doc.PageText(index), nil

	case MethodOCR:
		png, err := w.render(ctx, doc, index, log)
		if err != nil {
			return "", ctx.Err()
		}
		return ocrengine.RecognizeOrEmpty(ctx, w.Engine, png, log), nil

	case MethodAI:
		png, err := w.render(ctx, doc, index, log)
		if err != nil {
			return "", ctx.Err()
		}
		return w.vlmExtract(ctx, png, log)

	case MethodAuto:
		return w.processAuto(ctx, doc, index, false, log)

	case MethodAutoAI:
		return w.processAuto(ctx, doc, index, true, log)
	}
	log.Warn("unknown method, falling back to embedded text")
	return doc.PageText(index), nil
}

// processAuto runs the tiered chain: embedded text when trustworthy,
// otherwise local OCR (unless skipOCR) then VLM, falling back to the best
// non-empty candidate.
func (w *Worker) processAuto(ctx context.Context, doc PageSource, index int, skipOCR bool, log *slog.Logger) (string, error) {
	text := doc.PageText(index)
	coverage := doc.ImageCoverage(index)
	if len([]rune(text)) >= w.MinTextLen && coverage <= imageCoverageThreshold {
		return text, nil
	}
	log.Debug("text layer insufficient",
		"text_len", len([]rune(text)),
		"image_coverage", coverage)

	png, err := w.render(ctx, doc, index, log)
	if err != nil {
		// Cannot rasterize: the text layer is all there is.
		return text, ctx.Err()
	}

	var ocrText string
	if !skipOCR {
		ocrText = ocrengine.RecognizeOrEmpty(ctx, w.Engine, png, log)
		if len([]rune(ocrText)) >= w.MinOCRLen {
			return ocrText, nil
		}
	}

	vlmText, err := w.vlmExtract(ctx, png, log)
	if err != nil {
		return "", err
	}
	if vlmText != "" {
		return vlmText, nil
	}
	// Never return empty while a weaker candidate has content.
	if text != "" {
		return text, nil
	}
	return ocrText, nil
}

func (w *Worker) render(ctx context.Context, doc PageSource, index int, log *slog.Logger) ([]byte, error) {
	png, err := w.Renderer.RenderPage(ctx, doc.Path(), index)
	if err != nil {
		log.Warn("page render failed", "error", err)
		return nil, err
	}
	return png, nil
}

// vlmExtract asks the model pool to transcribe the page image. Transient
// faults back off and rotate; garbage output rotates immediately;
// non-transient faults abort the attempt. Exhaustion returns "".
func (w *Worker) vlmExtract(ctx context.Context, png []byte, log *slog.Logger) (string, error) {
	for attempt := 1; attempt <= vlmAttempts; attempt++ {
		model := w.Models.Next()
		out, err := w.Client.Chat(ctx, vlm.ChatRequest{
			Model: model,
			Messages: []vlm.ChatMessage{{
				Role: "user",
				Content: []vlm.ContentPart{
					vlm.TextPart(extractPrompt),
					vlm.ImagePart(png),
				},
			}},
			MaxTokens: extractMaxTokens,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !vlm.IsTransient(err) {
				log.Warn("vlm request failed", "model", model, "error", err)
				return "", nil
			}
			log.Warn("vlm transient fault, backing off",
				"model", model, "attempt", attempt, "error", err)
			if err := w.sleep(ctx, attempt); err != nil {
				return "", err
			}
			continue
		}
		out = quality.StripScaffolding(out)
		if quality.IsGarbage(out) {
			// Rotate without waiting: the fault is the model, not the wire.
			log.Warn("vlm output rejected by quality gate",
				"model", model, "attempt", attempt, "output_len", len(out))
			continue
		}
		return out, nil
	}
	log.Warn("vlm attempts exhausted")
	return "", nil
}

func (w *Worker) sleep(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 3 * time.Second
	if w.Backoff != nil {
		d = w.Backoff(attempt)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
