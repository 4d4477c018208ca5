package docsource

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ledongthuc/pdf"

	"github.com/markdave123-py/docanchor/internal/core"
	"github.com/markdave123-py/docanchor/internal/infra"
)

func TestParseLocator(t *testing.T) {
	cases := []struct {
		in      string
		want    Locator
		wantErr bool
	}{
		{in: "s3://docs/a/b.pdf", want: Locator{Scheme: SchemeS3, Bucket: "docs", Key: "a/b.pdf"}},
		{in: "https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf", want: Locator{Scheme: SchemeS3, Bucket: "my-bucket", Key: "path/to/file.pdf"}},
		{in: "file:///srv/docs/x.txt", want: Locator{Scheme: SchemeFile, Path: "/srv/docs/x.txt"}},
		{in: "file://notes/../y.md", want: Locator{Scheme: SchemeFile, Path: "y.md"}},
		{in: "s3://bucket-only", wantErr: true},
		{in: "ftp://host/file", wantErr: true},
		{in: "file://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseLocator(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedLocator) {
				t.Errorf("ParseLocator(%q) err = %v, want ErrUnsupportedLocator", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseLocator(%q) = %+v, %v; want %+v", tc.in, got, err, tc.want)
		}
	}
}

func TestResolveUnderRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	if _, err := resolveUnder(root, "../etc/passwd"); !errors.Is(err, ErrUnsupportedLocator) {
		t.Fatalf("escape allowed: %v", err)
	}
	if _, err := resolveUnder(root, "/etc/passwd"); !errors.Is(err, ErrUnsupportedLocator) {
		t.Fatalf("absolute escape allowed: %v", err)
	}
	if _, err := resolveUnder("", "a.txt"); !errors.Is(err, ErrUnsupportedLocator) {
		t.Fatalf("disabled root allowed: %v", err)
	}
	got, err := resolveUnder(root, "sub/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, "sub", "a.txt"); got != want {
		t.Fatalf("resolved %q, want %q", got, want)
	}
}

func TestMergeGlyphs(t *testing.T) {
	g := func(s string, x, y, w float64) pdf.Text {
		return pdf.Text{Font: "F1", FontSize: 12, X: x, Y: y, W: w, S: s}
	}
	glyphs := []pdf.Text{
		g("H", 72, 700, 6), g("e", 78, 700, 6), g("l", 84, 700, 6), g(" ", 90, 700, 3),
		g("w", 96, 700, 6), g("o", 102, 700, 6),
		g("x", 72, 680, 6),
		g("far", 300, 680, 18),
	}
	runs := mergeGlyphs(glyphs, 792)

	var texts []string
	for i, r := range runs {
		if r.Index != i {
			t.Fatalf("run %d has index %d", i, r.Index)
		}
		texts = append(texts, r.Text)
	}
	if got := strings.Join(texts, "|"); got != "Hel |wo|x|far" {
		t.Fatalf("runs = %q", got)
	}
	if r := runs[0]; r.Width != 21 || r.X != 72 || r.FontSize != 12 {
		t.Fatalf("first run geometry = %+v", r)
	}
	if y := runs[0].Y; y < 82.3 || y > 82.5 {
		t.Fatalf("top-left y = %v, want 82.4", y)
	}
}

func TestPlainDocumentPagination(t *testing.T) {
	body := "first line\n\n  indented\nfourth\nfifth\n\n\n"
	doc, err := newPlainDocument("d", body, 2)
	if err != nil {
		t.Fatal(err)
	}
	if doc.NumPages() != 3 {
		t.Fatalf("pages = %d, want 3", doc.NumPages())
	}
	p1, _ := doc.Page(context.Background(), 1)
	runs, _ := p1.TextRuns(context.Background())
	if len(runs) != 1 || runs[0].Text != "first line" || runs[0].Index != 0 {
		t.Fatalf("page 1 runs = %+v", runs)
	}
	p2, _ := doc.Page(context.Background(), 2)
	runs, _ = p2.TextRuns(context.Background())
	if len(runs) != 2 || runs[0].Text != "indented" || runs[0].X <= plainMargin {
		t.Fatalf("page 2 runs = %+v", runs)
	}
	if runs[1].Y-runs[0].Y != plainLineHeight {
		t.Fatalf("line spacing = %v", runs[1].Y-runs[0].Y)
	}
	text, _ := p2.Text(context.Background())
	if text != "indented\nfourth" {
		t.Fatalf("page 2 text = %q", text)
	}
	if _, err := doc.Page(context.Background(), 4); err == nil {
		t.Fatal("page 4 should not exist")
	}

	empty, err := newPlainDocument("e", "", 10)
	if err != nil || empty.NumPages() != 1 {
		t.Fatalf("empty doc = %v pages, %v", empty.NumPages(), err)
	}
}

func TestLoadLocalTextAndRasterize(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("Hello world\nsecond line\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	src := NewSource(nil, Options{LocalRoot: root}, infra.Discard())

	doc, err := src.Load(context.Background(), "file://notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer doc.Close()
	if doc.NumPages() != 1 || doc.ID() == "" {
		t.Fatalf("doc = %d pages, id %q", doc.NumPages(), doc.ID())
	}

	page, err := doc.Page(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	w, h := page.Size()
	dst := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for i := range dst.Pix {
		dst.Pix[i] = 0xff
	}
	if err := page.Rasterize(context.Background(), dst, 1); err != nil {
		t.Fatal(err)
	}
	if !hasInk(dst) {
		t.Fatal("raster has no text pixels")
	}

	if _, err := src.Load(context.Background(), "file://missing.txt"); err == nil {
		t.Fatal("missing file loaded")
	}
	if _, err := src.Load(context.Background(), "s3://b/k.pdf"); !errors.Is(err, ErrNoObjectStore) {
		t.Fatalf("err = %v, want ErrNoObjectStore", err)
	}
}

func TestPlainDocumentDefaultPageLength(t *testing.T) {
	lines := make([]string, 47)
	for i := range lines {
		lines[i] = "line"
	}
	doc, err := newPlainDocument("d", strings.Join(lines, "\n"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if doc.NumPages() != 2 {
		t.Fatalf("pages = %d, want 2", doc.NumPages())
	}
	p1, _ := doc.Page(context.Background(), 1)
	runs, _ := p1.TextRuns(context.Background())
	if len(runs) != 46 {
		t.Fatalf("page 1 holds %d lines, want 46", len(runs))
	}
}

func TestPDFDocumentCloseDropsState(t *testing.T) {
	doc := &pdfDocument{
		id:       "d",
		numPages: 2,
		reader:   &pdf.Reader{},
		runs:     map[int][]core.TextRun{1: {{Text: "cached"}}},
		texts:    map[int]string{1: "cached"},
		sizes:    map[int][2]float64{1: {612, 792}},
	}
	page := &pdfPage{doc: doc, n: 1, w: 612, h: 792}
	if runs, err := page.TextRuns(context.Background()); err != nil || len(runs) != 1 {
		t.Fatalf("cached runs = %v, %v", runs, err)
	}

	if err := doc.Close(); err != nil {
		t.Fatal(err)
	}
	if doc.reader != nil || doc.runs != nil || doc.texts != nil || doc.sizes != nil {
		t.Fatal("closed handle kept its reader or caches")
	}
	if _, err := page.TextRuns(context.Background()); !errors.Is(err, ErrDocumentClosed) {
		t.Fatalf("runs after close: %v", err)
	}
	if _, err := page.Text(context.Background()); !errors.Is(err, ErrDocumentClosed) {
		t.Fatalf("text after close: %v", err)
	}
	if _, err := doc.Page(context.Background(), 1); !errors.Is(err, ErrDocumentClosed) {
		t.Fatalf("page after close: %v", err)
	}
}

func TestRasterizeHonorsCancel(t *testing.T) {
	doc, err := newPlainDocument("d", "some text", 0)
	if err != nil {
		t.Fatal(err)
	}
	page, _ := doc.Page(context.Background(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := image.NewRGBA(image.Rect(0, 0, 10, 10))
	if err := page.Rasterize(ctx, dst, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

type fakeObjects struct {
	bucket, key string
	data        []byte
}

func (f *fakeObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	f.bucket, f.key = bucket, key
	return f.data, nil
}

func (f *fakeObjects) GetObjectReader(context.Context, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func TestLoadFromObjectStore(t *testing.T) {
	obj := &fakeObjects{data: []byte("stored text")}
	src := NewSource(obj, Options{}, infra.Discard())
	doc, err := src.Load(context.Background(), "https://docs.s3.eu-west-1.amazonaws.com/u1/readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	if obj.bucket != "docs" || obj.key != "u1/readme.txt" {
		t.Fatalf("fetched %s/%s", obj.bucket, obj.key)
	}
	page, _ := doc.Page(context.Background(), 1)
	if text, _ := page.Text(context.Background()); text != "stored text" {
		t.Fatalf("text = %q", text)
	}
}

func hasInk(img *image.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if c := img.RGBAAt(x, y); c != (color.RGBA{0xff, 0xff, 0xff, 0xff}) {
				return true
			}
		}
	}
	return false
}
