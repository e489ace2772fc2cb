// Package artifact produces the files delivered to recipients: QR
// attendance images drawn on a template, or pre-generated files resolved
// from an artifacts directory.
package artifact

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// DefaultHeadline is drawn above the item name.
const DefaultHeadline = "QR de asistencia a:"

// Layout places the QR code and the headline text on the template.
type Layout struct {
	QRSize   int
	QROrigin image.Point

	// TextBox bounds the headline; lines are centred horizontally and
	// stacked from the top of the box.
	TextBox image.Rectangle

	MaxFontSize float64
	MinFontSize float64
	FontStep    float64

	// WrapWidth is the maximum number of characters per line
	WrapWidth int

	// LineGap is added between lines, in pixels
	LineGap int

	TextColor color.Color
}

// DefaultLayout returns the layout of the 2025 attendance template.
func DefaultLayout() Layout {
	return Layout{
		QRSize:      700,
		QROrigin:    image.Pt(100, 700),
		TextBox:     image.Rect(90, 300, 90+720, 300+420),
		MaxFontSize: 90,
		MinFontSize: 10,
		FontStep:    2,
		WrapWidth:   40,
		LineGap:     10,
		TextColor:   color.RGBA{R: 44, G: 78, B: 254, A: 255},
	}
}

// QRConfig configures a QRGenerator.
type QRConfig struct {
	// TemplatePath is the background image (PNG or JPEG)
	TemplatePath string

	// FontPath is an OpenType/TrueType font. When empty a fixed bitmap
	// face is used and the text is not resized.
	FontPath string

	// OutputDir receives the generated images
	OutputDir string

	// Keep writes named, non-transient files under OutputDir/<item>/
	// instead of temporary ones.
	Keep bool

	Headline string

	// ItemName renders an item key for the headline; defaults to the key
	ItemName func(item string) string

	Layout Layout
}

// QRGenerator draws a QR attendance image for each record.
type QRGenerator struct {
	cfg    QRConfig
	logger ports.Logger

	mu       sync.Mutex
	template image.Image
	font     *opentype.Font
}

// NewQRGenerator creates a generator. The template and font are loaded on
// first use so that a missing file fails per record.
func NewQRGenerator(cfg QRConfig, logger ports.Logger) *QRGenerator {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.Headline == "" {
		cfg.Headline = DefaultHeadline
	}
	if cfg.ItemName == nil {
		cfg.ItemName = func(item string) string { return item }
	}
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout()
	}
	return &QRGenerator{cfg: cfg, logger: logger}
}

// Payload returns the text encoded in the QR code of a record.
func Payload(rec domain.Record) string {
	return rec.ItemKey + ";" + rec.FileNumber + ";" + rec.DocumentID + ";"
}

// Generate implements ports.ArtifactGenerator.
func (g *QRGenerator) Generate(ctx context.Context, rec domain.Record) (ports.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return ports.Artifact{}, err
	}

	tmpl, err := g.loadTemplate()
	if err != nil {
		return ports.Artifact{}, err
	}
	l := g.cfg.Layout

	qrRect := image.Rectangle{Min: l.QROrigin, Max: l.QROrigin.Add(image.Pt(l.QRSize, l.QRSize))}
	if !qrRect.In(tmpl.Bounds()) || !l.TextBox.In(tmpl.Bounds()) {
		return ports.Artifact{}, fmt.Errorf("%w: layout exceeds template bounds %v", domain.ErrArtifactGeneration, tmpl.Bounds())
	}

	q, err := qrcode.New(Payload(rec), qrcode.Low)
	if err != nil {
		return ports.Artifact{}, fmt.Errorf("%w: encode qr: %v", domain.ErrArtifactGeneration, err)
	}

	canvas := image.NewRGBA(tmpl.Bounds())
	draw.Draw(canvas, canvas.Bounds(), tmpl, tmpl.Bounds().Min, draw.Src)
	draw.Draw(canvas, qrRect, scaleTo(q.Image(l.QRSize), l.QRSize), image.Point{}, draw.Src)

	text := g.cfg.Headline + "\n" + g.cfg.ItemName(rec.ItemKey)
	if err := g.drawText(canvas, text); err != nil {
		return ports.Artifact{}, err
	}

	path, err := g.write(canvas, rec)
	if err != nil {
		return ports.Artifact{}, err
	}

	g.logger.Debug("qr artifact generated",
		ports.String("recipient", rec.Recipient),
		ports.String("item", rec.ItemKey),
		ports.String("path", path),
	)
	return ports.Artifact{Path: path, ContentType: "image/png", Transient: !g.cfg.Keep}, nil
}

func (g *QRGenerator) loadTemplate() (image.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.template != nil {
		return g.template, nil
	}
	f, err := os.Open(g.cfg.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open template: %v", domain.ErrArtifactGeneration, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode template %s: %v", domain.ErrArtifactGeneration, g.cfg.TemplatePath, err)
	}
	g.template = img
	return img, nil
}

func (g *QRGenerator) loadFont() (*opentype.Font, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.font != nil {
		return g.font, nil
	}
	data, err := os.ReadFile(g.cfg.FontPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read font: %v", domain.ErrArtifactGeneration, err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse font %s: %v", domain.ErrArtifactGeneration, g.cfg.FontPath, err)
	}
	g.font = f
	return f, nil
}

// drawText fits the text into the text box, shrinking the font size by
// FontStep from MaxFontSize until it fits or MinFontSize is passed.
func (g *QRGenerator) drawText(dst draw.Image, text string) error {
	l := g.cfg.Layout
	lines := wrapText(text, l.WrapWidth)

	if g.cfg.FontPath == "" {
		face := basicfont.Face7x13
		if !fits(face, lines, l) {
			return fmt.Errorf("%w: text does not fit in %v", domain.ErrArtifactGeneration, l.TextBox)
		}
		drawLines(dst, face, lines, l)
		return nil
	}

	f, err := g.loadFont()
	if err != nil {
		return err
	}
	for size := l.MaxFontSize; size >= l.MinFontSize; size -= l.FontStep {
		face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return fmt.Errorf("%w: font face: %v", domain.ErrArtifactGeneration, err)
		}
		if fits(face, lines, l) {
			drawLines(dst, face, lines, l)
			face.Close()
			return nil
		}
		face.Close()
		if l.FontStep <= 0 {
			break
		}
	}
	return fmt.Errorf("%w: text does not fit in %v at %.0fpt", domain.ErrArtifactGeneration, l.TextBox, l.MinFontSize)
}

func lineHeight(face font.Face, l Layout) int {
	m := face.Metrics()
	return (m.Ascent + m.Descent).Ceil() + l.LineGap
}

func fits(face font.Face, lines []string, l Layout) bool {
	if len(lines)*lineHeight(face, l)-l.LineGap > l.TextBox.Dy() {
		return false
	}
	for _, line := range lines {
		if font.MeasureString(face, line).Ceil() > l.TextBox.Dx() {
			return false
		}
	}
	return true
}

func drawLines(dst draw.Image, face font.Face, lines []string, l Layout) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(l.TextColor), Face: face}
	ascent := face.Metrics().Ascent.Ceil()
	y := l.TextBox.Min.Y
	for _, line := range lines {
		w := font.MeasureString(face, line).Ceil()
		x := l.TextBox.Min.X + (l.TextBox.Dx()-w)/2
		d.Dot = fixed.P(x, y+ascent)
		d.DrawString(line)
		y += lineHeight(face, l)
	}
}

// wrapText splits each paragraph of s into lines of at most width
// characters, breaking on spaces. Words longer than width get a line of
// their own.
func wrapText(s string, width int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if width > 0 && len([]rune(cur))+1+len([]rune(w)) > width {
				lines = append(lines, cur)
				cur = w
				continue
			}
			cur += " " + w
		}
		lines = append(lines, cur)
	}
	return lines
}

// scaleTo resizes img to size x size with nearest-neighbour sampling.
// QR modules are square blocks, so no smoothing is needed.
func scaleTo(img image.Image, size int) image.Image {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			out.Set(x, y, img.At(b.Min.X+x*b.Dx()/size, b.Min.Y+y*b.Dy()/size))
		}
	}
	return out
}

func (g *QRGenerator) write(img image.Image, rec domain.Record) (string, error) {
	dir := g.cfg.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}

	var (
		f   *os.File
		err error
	)
	if g.cfg.Keep {
		dir = filepath.Join(dir, rec.ItemKey)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("%w: create output dir: %v", domain.ErrArtifactGeneration, err)
		}
		f, err = os.Create(filepath.Join(dir, FileName(rec, ".png")))
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("%w: create work dir: %v", domain.ErrArtifactGeneration, err)
		}
		f, err = os.CreateTemp(dir, "qr-*.png")
	}
	if err != nil {
		return "", fmt.Errorf("%w: create output: %v", domain.ErrArtifactGeneration, err)
	}

	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: encode png: %v", domain.ErrArtifactGeneration, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: close output: %v", domain.ErrArtifactGeneration, err)
	}
	return f.Name(), nil
}

var _ ports.ArtifactGenerator = (*QRGenerator)(nil)
