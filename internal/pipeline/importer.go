// Package pipeline turns a queued job into a stored document: it fetches
// the paper, runs the formatter, parses the output, resolves images and
// summarizes, moving the job through its stages as it goes.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lihe8811/lumi/internal/images"
	"github.com/lihe8811/lumi/internal/latex"
	"github.com/lihe8811/lumi/internal/llm"
	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/parser"
	"github.com/lihe8811/lumi/internal/storage"
)

// Formatter rewrites a paper into tagged markdown.
type Formatter interface {
	Format(ctx context.Context, req llm.FormatRequest) (string, error)
}

// SourceFetcher downloads paper sources.
type SourceFetcher interface {
	PDFURL(id, version string) string
	FetchPDF(ctx context.Context, url string) ([]byte, error)
	FetchLatexSource(ctx context.Context, id, version string) ([]byte, bool, error)
}

// ImporterConfig configures an Importer. Zero durations and limits take
// defaults; a zero MaxLatexChars disables the length check.
type ImporterConfig struct {
	Fetcher       SourceFetcher
	Formatter     Formatter
	Storage       storage.Storage
	Log           *slog.Logger
	IDs           lumidoc.IDFunc
	LatexTimeout  time.Duration
	LatexMaxDepth int
	MaxLatexChars int
	RenderScale   float64
	Render        images.RenderFunc
}

// Importer converts one paper into a document. It is safe for concurrent
// use; each import gets its own converter and temp directory.
type Importer struct {
	cfg ImporterConfig
	log *slog.Logger
}

func NewImporter(cfg ImporterConfig) *Importer {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.IDs == nil {
		cfg.IDs = lumidoc.NewID
	}
	if cfg.LatexTimeout <= 0 {
		cfg.LatexTimeout = 30 * time.Second
	}
	if cfg.RenderScale <= 0 {
		cfg.RenderScale = 2
	}
	return &Importer{cfg: cfg, log: cfg.Log}
}

// FileID is the storage prefix of one paper version.
func FileID(paperID, version string) string {
	return paperID + "/v" + version
}

// ImportArxiv fetches the PDF and, when arXiv has it, the LaTeX source,
// then formats and converts the paper. It returns the document and the
// storage path of the featured image ("" if no image resolved).
func (im *Importer) ImportArxiv(ctx context.Context, paperID, version string, concepts []lumidoc.Concept) (*lumidoc.Document, string, error) {
	log := im.log.With("paper_id", paperID, "version", version)

	pdf, err := im.cfg.Fetcher.FetchPDF(ctx, im.cfg.Fetcher.PDFURL(paperID, version))
	if err != nil {
		return nil, "", fmt.Errorf("fetch pdf: %w", err)
	}

	src, ok, err := im.cfg.Fetcher.FetchLatexSource(ctx, paperID, version)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", err
		}
		log.Warn("latex source unavailable, continuing with pdf only", "error", err)
		ok = false
	}

	var sourceDir, latexText string
	if ok {
		dir, err := os.MkdirTemp("", "lumi-src-*")
		if err != nil {
			return nil, "", fmt.Errorf("create source dir: %w", err)
		}
		defer os.RemoveAll(dir)

		if err := latex.Extract(src, dir); err != nil {
			return nil, "", fmt.Errorf("extract latex source: %w", err)
		}
		mainPath, err := latex.FindMainFile(dir)
		if err != nil {
			return nil, "", err
		}
		inl := &latex.Inliner{
			RemoveComments: true,
			InlineCommands: true,
			MaxDepth:       im.cfg.LatexMaxDepth,
			Log:            log,
		}
		latexText = latex.InlineWithTimeout(ctx, inl, mainPath, im.cfg.LatexTimeout)
		if err := latex.CheckLength(latexText, im.cfg.MaxLatexChars); err != nil {
			return nil, "", err
		}
		sourceDir = dir
		log.Info("latex source inlined", "main_file", mainPath, "chars", len(latexText))
	}

	return im.convert(ctx, log, paperID, version, pdf, latexText, sourceDir, concepts)
}

// ImportPDF converts an uploaded PDF. Without LaTeX, images come only from
// the PDF itself.
func (im *Importer) ImportPDF(ctx context.Context, paperID, version string, pdf []byte, concepts []lumidoc.Concept) (*lumidoc.Document, string, error) {
	log := im.log.With("paper_id", paperID, "version", version)
	return im.convert(ctx, log, paperID, version, pdf, "", "", concepts)
}

// ConvertLocal parses formatter output that was produced elsewhere.
// Images are left unresolved.
func (im *Importer) ConvertLocal(modelOutput, fileID string) (*lumidoc.Document, error) {
	return parser.NewConverter(im.log, im.cfg.IDs).Convert(modelOutput, nil, fileID)
}

func (im *Importer) convert(ctx context.Context, log *slog.Logger, paperID, version string, pdf []byte, latexText, sourceDir string, concepts []lumidoc.Concept) (*lumidoc.Document, string, error) {
	pdfText, err := parser.ExtractPDFText(ctx, pdf)
	if err != nil {
		log.Warn("pdf text extraction failed", "error", err)
	}

	out, err := im.cfg.Formatter.Format(ctx, llm.FormatRequest{
		PDF:      pdf,
		PDFText:  pdfText,
		Latex:    latexText,
		Concepts: concepts,
	})
	if err != nil {
		return nil, "", fmt.Errorf("format: %w", err)
	}

	fileID := FileID(paperID, version)
	doc, err := parser.NewConverter(log, im.cfg.IDs).Convert(out, concepts, fileID)
	if err != nil {
		return nil, "", fmt.Errorf("convert: %w", err)
	}
	for _, d := range lumidoc.DanglingRefs(doc) {
		log.Warn("dangling reference", "tag", d.TagName, "id", d.ID)
	}

	imgs := lumidoc.Images(doc)
	if len(imgs) > 0 {
		r := &images.Resolver{
			SourceDir: sourceDir,
			Storage:   im.cfg.Storage,
			Log:       log,
			Scale:     im.cfg.RenderScale,
			Render:    im.cfg.Render,
		}
		if sourceDir != "" {
			if err := r.Resolve(ctx, imgs); err != nil {
				return nil, "", fmt.Errorf("resolve images: %w", err)
			}
		}
		if err := r.FromPDF(ctx, pdf, imgs); err != nil {
			if ctx.Err() != nil {
				return nil, "", err
			}
			log.Warn("pdf image fallback failed", "error", err)
		}
	}

	return doc, featuredImage(imgs), nil
}

// featuredImage is the first resolved image in document order.
func featuredImage(imgs []*lumidoc.ImageContent) string {
	for _, img := range imgs {
		if img.Resolved() {
			return img.StoragePath
		}
	}
	return ""
}
