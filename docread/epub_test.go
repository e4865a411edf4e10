package docread

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEPUB(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.epub")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

const testContainer = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const testOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <manifest>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="css" href="style.css" media-type="text/css"/>
  </manifest>
  <spine>
    <itemref idref="ch2"/>
    <itemref idref="ch1"/>
  </spine>
</package>`

func TestOpenEPUB_SpineOrder(t *testing.T) {
	// WHAT: Chapters come back in spine order, not manifest order.
	// WHY: Reading order is defined by the spine.
	path := writeEPUB(t, map[string]string{
		"META-INF/container.xml": testContainer,
		"OEBPS/content.opf":      testOPF,
		"OEBPS/ch1.xhtml":        `<html><body><h1>First</h1><p>alpha</p></body></html>`,
		"OEBPS/ch2.xhtml":        `<html><body><h1>Second</h1><p>beta</p></body></html>`,
		"OEBPS/style.css":        `p { color: red }`,
	})
	e, err := OpenEPUB(path)
	if err != nil {
		t.Fatalf("OpenEPUB: %v", err)
	}
	if e.ChapterCount() != 2 {
		t.Fatalf("ChapterCount = %d, want 2", e.ChapterCount())
	}
	first := e.ChapterMarkdown(0)
	if !strings.Contains(first, "Second") {
		t.Errorf("chapter 0 = %q, want spine-first chapter", first)
	}
}

func TestEPUB_Markdown(t *testing.T) {
	// WHAT: Markdown joins chapters with the page separator and converts
	// headings to # syntax.
	// WHY: This is the whole-document output format.
	path := writeEPUB(t, map[string]string{
		"META-INF/container.xml": testContainer,
		"OEBPS/content.opf":      testOPF,
		"OEBPS/ch1.xhtml":        `<html><body><h1>First</h1><p>alpha</p></body></html>`,
		"OEBPS/ch2.xhtml":        `<html><body><h1>Second</h1><p>beta</p></body></html>`,
	})
	e, err := OpenEPUB(path)
	if err != nil {
		t.Fatalf("OpenEPUB: %v", err)
	}
	md := e.Markdown()
	if !strings.Contains(md, "# Second") || !strings.Contains(md, "# First") {
		t.Errorf("Markdown = %q, want converted headings", md)
	}
	if !strings.Contains(md, "\n\n---\n\n") {
		t.Error("Markdown missing chapter separator")
	}
}

func TestOpenEPUB_MissingContainer(t *testing.T) {
	// WHAT: An archive without META-INF/container.xml is rejected.
	// WHY: Better a clear open error than a zero-chapter document.
	path := writeEPUB(t, map[string]string{
		"mimetype": "application/epub+zip",
	})
	if _, err := OpenEPUB(path); err == nil {
		t.Fatal("expected error for missing container.xml")
	}
}
