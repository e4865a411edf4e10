package docread

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Renderer rasterizes single PDF pages to PNG via the pdftoppm binary.
// pdftoppm is CPU-bound; the pipeline bounds concurrent renders.
type Renderer struct {
	Cmd string // binary name or path, default "pdftoppm"
	DPI int
}

// RenderPage rasterizes one page (0-based index) of the PDF at path and
// returns the PNG bytes.
func (r *Renderer) RenderPage(ctx context.Context, path string, index int) ([]byte, error) {
	cmd := r.Cmd
	if cmd == "" {
		cmd = "pdftoppm"
	}
	dpi := r.DPI
	if dpi <= 0 {
		dpi = 200
	}

	dir, err := os.MkdirTemp("", "extractmd-render-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	pageNr := index + 1
	prefix := filepath.Join(dir, "page")
	c := exec.CommandContext(ctx, cmd,
		"-f", strconv.Itoa(pageNr),
		"-l", strconv.Itoa(pageNr),
		"-png",
		"-r", strconv.Itoa(dpi),
		path,
		prefix)
	if out, err := c.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", pageNr, err, out)
	}

	// pdftoppm zero-pads the page suffix to the document's digit count,
	// so glob instead of guessing the width.
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm page %d: no output produced", pageNr)
	}
	return os.ReadFile(matches[0])
}
