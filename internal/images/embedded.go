package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/lihe8811/lumi/internal/lumidoc"
	"github.com/lihe8811/lumi/internal/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// minEmbeddedSize drops icons, logos and rule lines.
const minEmbeddedSize = 32

type embedded struct {
	data   []byte
	ext    string
	page   int
	width  int
	height int
}

// FromPDF fills images that Resolve left unresolved with images embedded
// in the PDF, in page order. Extra placeholders stay unresolved.
func (r *Resolver) FromPDF(ctx context.Context, pdf []byte, imgs []*lumidoc.ImageContent) error {
	var pending []*lumidoc.ImageContent
	for _, img := range imgs {
		if !img.Resolved() {
			pending = append(pending, img)
		}
	}
	if len(pending) == 0 || len(pdf) == 0 {
		return nil
	}

	found, err := extractEmbedded(pdf)
	if err != nil {
		return err
	}
	log := r.logger()
	log.Info("pdf image fallback", "unresolved", len(pending), "embedded", len(found))

	for i, img := range pending {
		if i >= len(found) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e := found[i]
		key := strings.TrimSuffix(img.StoragePath, path.Ext(img.StoragePath)) + e.ext
		if err := r.Storage.UploadFile(ctx, key, e.data, storage.ContentType(key)); err != nil {
			log.Error("embedded image upload failed", "storage_path", key, "error", err)
			continue
		}
		img.StoragePath = key
		img.Width, img.Height = e.width, e.height
	}
	return nil
}

// extractEmbedded returns the decodable images embedded in a PDF that are
// at least minEmbeddedSize on both sides, ordered by page.
func extractEmbedded(pdf []byte) ([]embedded, error) {
	var out []embedded
	digest := func(img model.Image, _ bool, _ int) error {
		data, err := io.ReadAll(img)
		if err != nil {
			return nil
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil || cfg.Width < minEmbeddedSize || cfg.Height < minEmbeddedSize {
			return nil
		}
		out = append(out, embedded{
			data:   data,
			ext:    extFor(format),
			page:   img.PageNr,
			width:  cfg.Width,
			height: cfg.Height,
		})
		return nil
	}
	if err := api.ExtractImages(bytes.NewReader(pdf), nil, digest, relaxedConf()); err != nil {
		return nil, fmt.Errorf("extract pdf images: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].page < out[j].page })
	return out, nil
}

func extFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "tiff":
		return ".tif"
	}
	return "." + format
}
