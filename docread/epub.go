package docread

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
)

// EPUB is a parsed EPUB document: spine chapters in reading order.
type EPUB struct {
	path     string
	chapters []chapter
	conv     *converter.Converter
}

type chapter struct {
	href string
	data []byte
}

type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// OpenEPUB opens an EPUB and loads its spine documents into memory.
func OpenEPUB(zipPath string) (*EPUB, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open epub %s: %w", zipPath, err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	containerData, err := readZipFile(files, "META-INF/container.xml")
	if err != nil {
		return nil, fmt.Errorf("epub container: %w", err)
	}
	var cont containerXML
	if err := xml.Unmarshal(containerData, &cont); err != nil {
		return nil, fmt.Errorf("parse container.xml: %w", err)
	}
	if len(cont.Rootfiles) == 0 {
		return nil, fmt.Errorf("epub container lists no rootfile")
	}
	opfPath := cont.Rootfiles[0].FullPath

	opfData, err := readZipFile(files, opfPath)
	if err != nil {
		return nil, fmt.Errorf("epub opf: %w", err)
	}
	var pkg opfPackage
	if err := xml.Unmarshal(opfData, &pkg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", opfPath, err)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		if strings.Contains(item.MediaType, "html") {
			hrefByID[item.ID] = item.Href
		}
	}

	opfDir := path.Dir(opfPath)
	e := &EPUB{
		path: zipPath,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, ref := range pkg.Spine {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		full := href
		if opfDir != "." {
			full = path.Join(opfDir, href)
		}
		data, err := readZipFile(files, full)
		if err != nil {
			continue
		}
		e.chapters = append(e.chapters, chapter{href: href, data: data})
	}
	if len(e.chapters) == 0 {
		return nil, fmt.Errorf("epub %s has no readable spine documents", zipPath)
	}
	return e, nil
}

func readZipFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("%s not found in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Path returns the file path the document was opened from.
func (e *EPUB) Path() string { return e.path }

// ChapterCount returns the number of spine documents.
func (e *EPUB) ChapterCount() int { return len(e.chapters) }

// ChapterMarkdown converts one spine document (0-based) to Markdown. If
// conversion fails or produces nothing, falls back to plain text extracted
// from the XHTML tree.
func (e *EPUB) ChapterMarkdown(index int) string {
	ch := e.chapters[index]
	md, err := e.conv.ConvertString(string(ch.data))
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md)
	}
	return plainText(ch.data)
}

// Markdown converts every spine document and joins the non-empty chapters
// with the page separator.
func (e *EPUB) Markdown() string {
	var parts []string
	for i := range e.chapters {
		if md := e.ChapterMarkdown(i); md != "" {
			parts = append(parts, md)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// plainText walks an XHTML tree and collects visible text.
func plainText(data []byte) string {
	root, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return ""
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		case html.ElementNode:
			switch n.Data {
			case "script", "style":
				return
			case "p", "div", "br", "h1", "h2", "h3", "h4", "h5", "h6", "li":
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.TrimSpace(sb.String())
}
