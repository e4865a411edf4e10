// Package quality provides local, network-free heuristics over extracted
// page text: garbage detection for VLM output, local triggers for the
// cleaning pass, and scaffolding removal from model responses.
//
// All functions are pure and cheap; they run before any network round trip
// is considered.
package quality

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// minTextLen is the length under which output is garbage outright.
	minTextLen = 10
	// ratioCheckLen is the length above which the readable-character ratio
	// is enforced.
	ratioCheckLen = 50
	// minReadableRatio is the minimum fraction of CJK/Latin/digit/punctuation
	// characters for long output.
	minReadableRatio = 0.3
	// repeatMinUnit / repeatMaxUnit bound the repeated-substring search.
	repeatMinUnit = 4
	repeatMaxUnit = 50
	// repeatCount is how many contiguous occurrences of a unit mark garbage.
	repeatCount = 5
	// shortLineRun is how many consecutive 1-4 char lines trigger cleaning.
	shortLineRun = 10
)

// hallucinationPatterns match model commentary that leaks into OCR output:
// claims that the page has no text, meta-instructions about formatting, and
// prompt fragments echoed back verbatim.
var hallucinationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`整个.*?文档.*?没有.*?文字`),
	regexp.MustCompile(`输出源码和样式生成的图片内容`),
	regexp.MustCompile(`为了达到.*?目的.*?可以按照.*?语法.*?转换`),
	regexp.MustCompile(`建议图片不包含.*?相关文字`),
	regexp.MustCompile(`上传图片后移除图片文字内容`),
	regexp.MustCompile(`用.*?语法输出`),
	regexp.MustCompile(`//\s*end\.?`),
	regexp.MustCompile(`本文档.*?内容`),
	regexp.MustCompile(`系统.*?生成.*?图片`),
	regexp.MustCompile(`(?i)th(e|is) (image|document|page) (contains|has) no (visible )?text`),
	regexp.MustCompile(`(?i)^(here is|below is) the extracted text`),
}

// IsGarbage reports whether VLM output is obviously unusable: too short,
// dominated by a repeated substring, mostly unreadable characters, vertical
// single-character line runs, or a known hallucination phrase.
func IsGarbage(text string) bool {
	runes := []rune(text)
	if len(runes) < minTextLen {
		return true
	}

	if hasContiguousRepeat(runes) {
		return true
	}

	if len(runes) > ratioCheckLen {
		readable := 0
		for _, r := range runes {
			if isReadableRune(r) {
				readable++
			}
		}
		if float64(readable)/float64(len(runes)) < minReadableRatio {
			return true
		}
	}

	// Vertically scanned pages come back as one character per line.
	lines := strings.Split(text, "\n")
	if len(lines) > 10 {
		single := 0
		for _, l := range lines {
			if len([]rune(strings.TrimSpace(l))) == 1 {
				single++
			}
		}
		if float64(single)/float64(len(lines)) > 0.5 {
			return true
		}
	}

	for _, pat := range hallucinationPatterns {
		if pat.MatchString(text) {
			return true
		}
	}
	return false
}

// hasContiguousRepeat reports whether some unit of repeatMinUnit to
// repeatMaxUnit runes occurs repeatCount or more times back to back.
// RE2 has no backreferences, so this is a periodicity scan: a unit of
// length L repeats c times exactly when text[j] == text[j+L] holds over
// a window of L*(c-1) consecutive positions.
func hasContiguousRepeat(text []rune) bool {
	n := len(text)
	for unit := repeatMinUnit; unit <= repeatMaxUnit; unit++ {
		need := unit * (repeatCount - 1)
		if need+unit > n {
			break
		}
		run := 0
		for j := 0; j+unit < n; j++ {
			if text[j] == text[j+unit] {
				run++
				if run >= need {
					return true
				}
			} else {
				run = 0
			}
		}
	}
	return false
}

// isReadableRune reports whether r counts toward the readable ratio:
// CJK ideographs, CJK punctuation, ASCII letters and digits, common
// fullwidth punctuation, and whitespace.
func isReadableRune(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3000 && r <= 0x303F: // CJK symbols and punctuation
		return true
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case unicode.IsSpace(r):
		return true
	}
	switch r {
	case '，', '。', '！', '？', '、', '；', '：', '“', '”', '‘', '’', '（', '）':
		return true
	case '.', ',', '!', '?', ';', ':', '\'', '"', '(', ')', '-':
		return true
	}
	return false
}

// NeedsLocalClean reports whether text shows formatting damage that should
// go straight to the rewrite model without asking the judge first: literal
// escape sequences, duplicated paragraphs, or long runs of very short lines.
func NeedsLocalClean(text string) bool {
	if text == "" {
		return false
	}
	if strings.Contains(text, `\n`) || strings.Contains(text, `\t`) {
		return true
	}

	// Exact duplicate paragraphs (blank-line separated, >20 chars trimmed).
	seen := make(map[string]bool)
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if len([]rune(p)) <= 20 {
			continue
		}
		if seen[p] {
			return true
		}
		seen[p] = true
	}

	run := 0
	for _, line := range strings.Split(text, "\n") {
		n := len([]rune(strings.TrimSpace(line)))
		if n > 0 && n < 5 {
			run++
			if run >= shortLineRun {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// Scaffolding artifacts stripped from model output before it is stored.
var (
	boxMarkerRe = regexp.MustCompile(`<\|(?:begin|end)_of_box\|>`)
	codeFenceRe = regexp.MustCompile("```(?:markdown)?\\s*")
	htmlTagRe   = regexp.MustCompile(`(?i)</?(?:u|b|i|em|strong|h[1-6]|span|div|p|br|hr)\s*/?>`)
	preambleRes = []*regexp.Regexp{
		regexp.MustCompile(`^(以下|下面)是?[^\n]*?(提取|识别|转换|输出|整理)[^\n]*?[:：]\s*`),
		regexp.MustCompile(`^根据图片[^\n]*?[:：]\s*`),
		regexp.MustCompile(`^图片中的[^\n]*?[:：]\s*`),
	}
	boilerplateRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[^\n]*(?:仅对图片|与图片相关|不应包含在本文|非正文文本|使用Markdown格式|提交Word文档|有问题请发消息|字体字体大小|封面中需保持|左对齐|加粗标记|使用斜体|另外提供一个建议)[^\n]*$`),
		regexp.MustCompile(`(?m)^\d+\.\s*(?:只保留|所有文字均|空的Markdown|同时提交)[^\n]*$`),
	}
	blankRunRe = regexp.MustCompile(`\n{4,}`)
)

// StripScaffolding removes model scaffolding from generated Markdown:
// box markers, code-fence wrappers, leftover HTML tags, and boilerplate
// preamble lines that describe the extraction instead of the page.
func StripScaffolding(text string) string {
	text = boxMarkerRe.ReplaceAllString(text, "")
	text = codeFenceRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	for _, re := range preambleRes {
		text = re.ReplaceAllString(text, "")
	}
	for _, re := range boilerplateRes {
		text = re.ReplaceAllString(text, "")
	}
	text = blankRunRe.ReplaceAllString(text, "\n\n\n")
	return strings.TrimSpace(text)
}
