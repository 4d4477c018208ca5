package docsource

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/docanchor/internal/core"
)

var (
	_ core.DocumentHandle = (*plainDocument)(nil)
	_ core.Page           = (*plainPage)(nil)
)

// Layout of converted documents, in points.
const (
	plainMargin     = 72.0
	plainFontSize   = 11.0
	plainLineHeight = 14.0
)

// plainDocument lays out the text docconv extracts from office and markup
// formats as fixed-size pages, one run per line.
type plainDocument struct {
	id    string
	pages [][]core.TextRun
}

// convertPlain runs docconv on data. mimeType is a docconv content type.
func convertPlain(data []byte, mimeType string, readability bool) (string, error) {
	if mimeType == "text/plain" {
		return string(data), nil
	}
	res, err := docconv.Convert(bytes.NewReader(data), mimeType, readability)
	if err != nil {
		return "", fmt.Errorf("docconv: extraction failed for content type '%s': %w", mimeType, err)
	}
	return res.Body, nil
}

func newPlainDocument(id, body string, linesPerPage int) (*plainDocument, error) {
	if linesPerPage <= 0 {
		usable := float64(defaultPageHeight - 2*plainMargin)
		linesPerPage = int(usable / plainLineHeight)
	}
	f, err := regularFont()
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, " \t\r")
		lines = append(lines, line)
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	d := &plainDocument{id: id}
	for start := 0; start < len(lines) || start == 0; start += linesPerPage {
		end := start + linesPerPage
		if end > len(lines) {
			end = len(lines)
		}
		var runs []core.TextRun
		for i, line := range lines[start:end] {
			text := strings.TrimLeft(line, " \t")
			if text == "" {
				continue
			}
			indent := measure(f, line[:len(line)-len(text)], plainFontSize)
			runs = append(runs, core.TextRun{
				Index:    len(runs),
				Text:     text,
				X:        plainMargin + indent,
				Y:        plainMargin + float64(i)*plainLineHeight,
				Width:    measure(f, text, plainFontSize),
				Height:   plainLineHeight,
				FontSize: plainFontSize,
			})
		}
		d.pages = append(d.pages, runs)
		if end == len(lines) {
			break
		}
	}
	return d, nil
}

func (d *plainDocument) ID() string    { return d.id }
func (d *plainDocument) NumPages() int { return len(d.pages) }
func (d *plainDocument) Close() error  { return nil }

func (d *plainDocument) Page(_ context.Context, n int) (core.Page, error) {
	if n < 1 || n > len(d.pages) {
		return nil, fmt.Errorf("document: page %d of %d", n, len(d.pages))
	}
	return &plainPage{n: n, runs: d.pages[n-1]}, nil
}

type plainPage struct {
	n    int
	runs []core.TextRun
}

func (p *plainPage) Number() int              { return p.n }
func (p *plainPage) Size() (float64, float64) { return defaultPageWidth, defaultPageHeight }

func (p *plainPage) TextRuns(context.Context) ([]core.TextRun, error) { return p.runs, nil }

func (p *plainPage) Text(context.Context) (string, error) {
	lines := make([]string, len(p.runs))
	for i, r := range p.runs {
		lines[i] = r.Text
	}
	return strings.Join(lines, "\n"), nil
}

func (p *plainPage) Rasterize(ctx context.Context, dst *image.RGBA, scale float64) error {
	return paintRuns(ctx, dst, p.runs, scale)
}
