package export

import (
	"context"
	"errors"
	"strings"

	"github.com/IliaW/image-crawler/internal/model"
)

// Exporter persists the image records of a finished crawl and returns where they were written.
type Exporter interface {
	Export(ctx context.Context, result *model.Result) (string, error)
}

// MultiExporter writes to every exporter in order. A failing exporter does not stop the others.
type MultiExporter []Exporter

func (m MultiExporter) Export(ctx context.Context, result *model.Result) (string, error) {
	var locations []string
	var errs []error
	for _, e := range m {
		location, err := e.Export(ctx, result)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		locations = append(locations, location)
	}

	return strings.Join(locations, ","), errors.Join(errs...)
}

// Document wraps the records the way every exporter writes them. A result without images still
// produces an empty list, never null.
func Document(result *model.Result) model.ExportDocument {
	images := result.Images
	if images == nil {
		images = []model.ImageRecord{}
	}
	return model.ExportDocument{Result: images}
}
