package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExporter_Export(t *testing.T) {
	dir := t.TempDir()
	fe := NewFileExporter(filepath.Join(dir, "output"), "crawl")
	result := &model.Result{
		SessionID: "3f1c",
		BaseHost:  "example.com",
		Images: []model.ImageRecord{
			{ImageURL: "https://example.com/a.png", SourceURL: "https://example.com", Depth: 0},
		},
	}

	location, err := fe.Export(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output", "crawl-example.com-3f1c.json"), location)

	body, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": [
		{"imageUrl": "https://example.com/a.png", "sourceUrl": "https://example.com", "depth": 0}
	]}`, string(body))
	assert.Contains(t, string(body), "\n  \"result\": [", "two space indentation")
}

func TestFileExporter_ExportEmpty(t *testing.T) {
	fe := NewFileExporter(t.TempDir(), "crawl")

	location, err := fe.Export(context.Background(), &model.Result{SessionID: "s", BaseHost: "example.com"})
	require.NoError(t, err)

	body, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": []}`, string(body))
}

type exporterFunc func(ctx context.Context, result *model.Result) (string, error)

func (f exporterFunc) Export(ctx context.Context, result *model.Result) (string, error) {
	return f(ctx, result)
}

func TestMultiExporter_Export(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	ok := func(location string) Exporter {
		return exporterFunc(func(context.Context, *model.Result) (string, error) {
			calls++
			return location, nil
		})
	}
	failing := exporterFunc(func(context.Context, *model.Result) (string, error) {
		calls++
		return "", boom
	})

	location, err := MultiExporter{ok("a.json"), failing, ok("s3://bucket/b.json")}.
		Export(context.Background(), &model.Result{})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a.json,s3://bucket/b.json", location)
	assert.Equal(t, 3, calls)
}
