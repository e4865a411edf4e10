// Package docread reads paginated documents: PDF page text, image coverage
// and rasterization, plus EPUB spine-to-Markdown conversion.
package docread

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// PDF is an open PDF document.
type PDF struct {
	path string
	ctx  *model.Context
	dims []types.Dim
}

// OpenPDF reads and validates a PDF file.
func OpenPDF(path string) (*PDF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read %s: %w", path, err)
	}
	dims, err := ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("page dims %s: %w", path, err)
	}
	return &PDF{path: path, ctx: ctx, dims: dims}, nil
}

// Path returns the file path the document was opened from.
func (p *PDF) Path() string { return p.path }

// PageCount returns the number of pages.
func (p *PDF) PageCount() int { return p.ctx.PageCount }

// PageText extracts embedded text from a page (0-based index) by parsing
// the page's content stream. Pages without a text layer return "".
func (p *PDF) PageText(index int) string {
	r, err := pdfcpu.ExtractPageContent(p.ctx, index+1)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromStream(data)
}

// ImageCoverage estimates the fraction of a page (0-based index) covered by
// placed images. Placement areas are summed without overlap subtraction, so
// stacked images can push the ratio past 1.0; callers only compare against
// a threshold.
func (p *PDF) ImageCoverage(index int) float64 {
	if len(pdfcpu.ImageObjNrs(p.ctx, index+1)) == 0 {
		return 0
	}
	if index >= len(p.dims) {
		return 0
	}
	dim := p.dims[index]
	pageArea := dim.Width * dim.Height
	if pageArea <= 0 {
		return 0
	}
	r, err := pdfcpu.ExtractPageContent(p.ctx, index+1)
	if err != nil {
		return 0
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0
	}
	return imageAreaFromStream(data) / pageArea
}

// matrix is a PDF affine transform [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m applied before base (PDF cm semantics: new = m × base).
func (m matrix) mul(base matrix) matrix {
	return matrix{
		m[0]*base[0] + m[1]*base[2],
		m[0]*base[1] + m[1]*base[3],
		m[2]*base[0] + m[3]*base[2],
		m[2]*base[1] + m[3]*base[3],
		m[4]*base[0] + m[5]*base[2] + base[4],
		m[4]*base[1] + m[5]*base[3] + base[5],
	}
}

// area returns the area of the unit square under the transform.
func (m matrix) area() float64 {
	return math.Abs(m[0]*m[3] - m[1]*m[2])
}

// pdfLiteralRe strips string literals so their contents cannot be mistaken
// for operands during the operator scan.
var pdfLiteralRe = regexp.MustCompile(`\((?:[^()\\]|\\.)*\)`)

// imageAreaFromStream walks a content stream's graphics state (q/Q/cm) and
// sums the placement area of every XObject Do.
func imageAreaFromStream(data []byte) float64 {
	clean := pdfLiteralRe.ReplaceAll(data, []byte(" "))
	tokens := strings.Fields(string(clean))

	ctm := identity
	var stack []matrix
	var operands []float64
	var total float64

	for _, tok := range tokens {
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			operands = append(operands, v)
			continue
		}
		switch tok {
		case "q":
			stack = append(stack, ctm)
		case "Q":
			if n := len(stack); n > 0 {
				ctm = stack[n-1]
				stack = stack[:n-1]
			}
		case "cm":
			if len(operands) >= 6 {
				o := operands[len(operands)-6:]
				ctm = matrix{o[0], o[1], o[2], o[3], o[4], o[5]}.mul(ctm)
			}
		case "Do":
			total += ctm.area()
		}
		operands = operands[:0]
	}
	return total
}

// pdfStringRe matches PDF string literals in parentheses.
var pdfStringRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)

// textFromStream parses content-stream text-showing operators.
func textFromStream(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		// (text) Tj and [(text) -100 (more)] TJ
		if bytes.HasSuffix(line, []byte("Tj")) || bytes.HasSuffix(line, []byte("TJ")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		}

		// (text) ' — move to next line and show.
		if bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")) {
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		}

		if bytes.HasSuffix(line, []byte("Td")) || bytes.HasSuffix(line, []byte("TD")) {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		}
		if bytes.Equal(line, []byte("T*")) {
			sb.WriteByte('\n')
		}
	}

	return normalizeText(sb.String())
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\', '(', ')':
				sb.WriteByte(raw[i])
			default:
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
						i++
						val = val*8 + int(raw[i]-'0')
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// normalizeText collapses runs of spaces while keeping line structure.
func normalizeText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			sb.WriteByte('\n')
			prevSpace = true
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
