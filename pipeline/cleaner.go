package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/extractmd/quality"
	"github.com/hazyhaar/extractmd/vlm"
)

// Sentinel values the rewrite model may return instead of cleaned text.
const (
	// sentinelTextError marks the page as unsalvageable: it goes back to
	// the retry set and its result is discarded.
	sentinelTextError = "TEXT_ERROR"
	// sentinelKeep means the text needs no changes.
	sentinelKeep = "TRUE"
)

const (
	judgeExcerptRunes    = 800
	neighborContextRunes = 200
	rewriteMaxTokens     = 8192

	judgePrompt = "You check OCR output for extraction defects: broken line " +
		"wrapping, duplicated fragments, page-furniture noise, or escaped " +
		"control sequences. Answer with a single character: Y if the text " +
		"needs cleaning, N if it is fine.\n\nText:\n"

	rewritePrompt = "Clean this OCR-extracted page. Fix broken line breaks, " +
		"remove duplicated fragments and page furniture, and keep the " +
		"original wording and order. Output only the cleaned Markdown.\n" +
		"If the text is already fine, output exactly TRUE.\n" +
		"If the text is unreadable garbage that cannot be cleaned, output " +
		"exactly TEXT_ERROR.\n"
)

// Outcome is the result class of cleaning one page.
type Outcome int

const (
	// OutcomeKept means the original text stands.
	OutcomeKept Outcome = iota
	// OutcomeRewritten means the returned text replaces the original.
	OutcomeRewritten
	// OutcomeRetry means the page must be re-extracted.
	OutcomeRetry
)

// Cleaner decides whether a page's text needs rewriting and performs the
// rewrite through the clean model.
type Cleaner struct {
	Client     Chatter
	CleanModel string
	// ToolModels serves the cheap single-token judge; empty pools fall
	// back to CleanModel.
	ToolModels *vlm.ModelPool
	Logger     *slog.Logger
}

// Clean runs the state machine for one page: local rules force a rewrite;
// otherwise the judge decides; judged-clean text is kept untouched. prev
// and next provide neighbor context for the rewrite.
func (c *Cleaner) Clean(ctx context.Context, text, prev, next string) (string, Outcome) {
	log := c.logger()
	if !quality.NeedsLocalClean(text) {
		needs, err := c.judge(ctx, text)
		if err != nil {
			// A broken judge must not skip cleaning silently.
			log.Warn("clean judge failed, assuming dirty", "error", err)
			needs = true
		}
		if !needs {
			return text, OutcomeKept
		}
	} else {
		log.Debug("local rules force rewrite")
	}
	return c.rewrite(ctx, text, prev, next)
}

// judge asks a fast model for a single-character verdict on an excerpt.
func (c *Cleaner) judge(ctx context.Context, text string) (bool, error) {
	model := ""
	if c.ToolModels != nil {
		model = c.ToolModels.Next()
	}
	if model == "" {
		model = c.CleanModel
	}
	out, err := c.Client.Chat(ctx, vlm.ChatRequest{
		Model: model,
		Messages: []vlm.ChatMessage{{
			Role:    "user",
			Content: []vlm.ContentPart{vlm.TextPart(judgePrompt + headRunes(text, judgeExcerptRunes))},
		}},
		MaxTokens: 1,
	})
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToUpper(out), "Y"), nil
}

// rewrite asks the clean model for the corrected text, giving it the tail
// of the previous page and the head of the next one so sentences split
// across page boundaries survive.
func (c *Cleaner) rewrite(ctx context.Context, text, prev, next string) (string, Outcome) {
	log := c.logger()
	var sb strings.Builder
	sb.WriteString(rewritePrompt)
	if p := tailRunes(prev, neighborContextRunes); p != "" {
		fmt.Fprintf(&sb, "\nEnd of previous page:\n%s\n", p)
	}
	if n := headRunes(next, neighborContextRunes); n != "" {
		fmt.Fprintf(&sb, "\nStart of next page:\n%s\n", n)
	}
	sb.WriteString("\nPage to clean:\n")
	sb.WriteString(text)

	out, err := c.Client.Chat(ctx, vlm.ChatRequest{
		Model: c.CleanModel,
		Messages: []vlm.ChatMessage{{
			Role:    "user",
			Content: []vlm.ContentPart{vlm.TextPart(sb.String())},
		}},
		MaxTokens: rewriteMaxTokens,
	})
	if err != nil {
		// Rewrite failure keeps the original rather than losing the page.
		log.Warn("rewrite failed, keeping original", "error", err)
		return text, OutcomeKept
	}
	switch {
	case strings.HasPrefix(out, sentinelTextError):
		return "", OutcomeRetry
	case strings.EqualFold(out, sentinelKeep):
		return text, OutcomeKept
	case strings.TrimSpace(out) == "":
		return text, OutcomeKept
	}
	return quality.StripScaffolding(out), OutcomeRewritten
}

func (c *Cleaner) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// headRunes returns at most n leading runes of s.
func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// tailRunes returns at most n trailing runes of s.
func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
