package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/IliaW/image-crawler/internal/model"
	jsoniter "github.com/json-iterator/go"
)

// FileExporter writes <folder>/<prefix>-<host>-<session>.json.
type FileExporter struct {
	Folder string
	Prefix string
}

func NewFileExporter(folder, prefix string) *FileExporter {
	return &FileExporter{Folder: folder, Prefix: prefix}
}

func (fe *FileExporter) Export(_ context.Context, result *model.Result) (string, error) {
	if err := os.MkdirAll(fe.Folder, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output folder: %w", err)
	}
	body, err := jsoniter.MarshalIndent(Document(result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling failed: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s.json", fe.Prefix, result.BaseHost, result.SessionID)
	location := filepath.Join(fe.Folder, name)
	if err = os.WriteFile(location, body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}
	slog.Info("result exported.", slog.String("file", location), slog.Int("images", len(result.Images)))

	return location, nil
}
