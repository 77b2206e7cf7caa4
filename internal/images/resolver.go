package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	// Decoders for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// RenderFunc rasterizes page 1 of the PDF at pdfPath to PNG bytes.
type RenderFunc func(ctx context.Context, pdfPath string, dpi int) ([]byte, error)

// Resolver finds images in an extracted source tree, measures them and
// uploads them.
type Resolver struct {
	SourceDir string
	Storage   storage.Storage
	Log       *slog.Logger
	// Scale is the PDF render scale relative to 72 dpi. Defaults to 2.
	Scale float64
	// Render defaults to pdftoppm.
	Render RenderFunc
}

func (r *Resolver) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// Resolve locates each image by its LaTeX path and fills in width, height
// and the final storage path. Missing files and unreadable images are
// skipped with a warning. An ambiguous path is fatal.
func (r *Resolver) Resolve(ctx context.Context, imgs []*lumidoc.ImageContent) error {
	if len(imgs) == 0 {
		return nil
	}
	files, err := ListFiles(r.SourceDir)
	if err != nil {
		return err
	}
	log := r.logger()

	for _, img := range imgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := Find(files, img.LatexPath)
		switch res.Kind {
		case NotFound:
			log.Warn("image not found in source", "latex_path", img.LatexPath)
			continue
		case Ambiguous:
			return res.Err()
		}

		src := filepath.Join(r.SourceDir, filepath.FromSlash(res.Path))
		key := img.StoragePath
		var data []byte
		if strings.EqualFold(path.Ext(res.Path), ".pdf") {
			data, err = r.renderPDF(ctx, src, img.LatexPath)
			if err != nil {
				log.Warn("could not convert pdf image", "latex_path", img.LatexPath, "error", err)
				continue
			}
			key = PDFStoragePath(key)
			img.StoragePath = key
		} else {
			data, err = os.ReadFile(src)
			if err != nil {
				log.Warn("could not read image", "path", res.Path, "error", err)
				continue
			}
		}

		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			log.Warn("could not decode image", "path", res.Path, "error", err)
			continue
		}
		if err := r.Storage.UploadFile(ctx, key, data, storage.ContentType(key)); err != nil {
			log.Error("image upload failed", "path", res.Path, "storage_path", key, "error", err)
			continue
		}
		img.Width, img.Height = cfg.Width, cfg.Height
		log.Debug("image resolved", "latex_path", img.LatexPath, "format", format, "width", cfg.Width, "height", cfg.Height)
	}
	return nil
}

func (r *Resolver) renderPDF(ctx context.Context, src, latexPath string) ([]byte, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	pages, err := api.PageCount(f, relaxedConf())
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if pages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	if pages > 1 {
		r.logger().Warn("pdf image has several pages, using the first", "latex_path", latexPath, "pages", pages)
	}

	scale := r.Scale
	if scale <= 0 {
		scale = 2
	}
	render := r.Render
	if render == nil {
		render = Pdftoppm
	}
	return render(ctx, src, int(72*scale))
}

// PDFStoragePath swaps the extension of a storage path for _pdf.png.
func PDFStoragePath(key string) string {
	return strings.TrimSuffix(key, path.Ext(key)) + "_pdf.png"
}

// Pdftoppm renders page 1 with poppler's pdftoppm.
func Pdftoppm(ctx context.Context, pdfPath string, dpi int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "lumi-render-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", "1",
		"-l", "1",
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		prefix,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}
	// -singlefile writes <prefix>.png
	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("read rendered page: %w", err)
	}
	return data, nil
}

func relaxedConf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}
