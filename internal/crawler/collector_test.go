package crawler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Record(t *testing.T) {
	c := NewCollector()

	assert.True(t, c.Record("https://example.com/a.png", "https://example.com", 0))
	assert.False(t, c.Record("https://example.com/a.png", "https://example.com", 0), "identical triple")
	assert.True(t, c.Record("https://example.com/a.png", "https://example.com/page", 0), "other source")
	assert.True(t, c.Record("https://example.com/a.png", "https://example.com", 1), "other depth")
	assert.True(t, c.Record("https://example.com/b.png", "https://example.com", 0))

	assert.Equal(t, 4, c.Len())
}

func TestCollector_Snapshot(t *testing.T) {
	c := NewCollector()
	c.Record("https://example.com/2.png", "https://example.com", 0)
	c.Record("https://example.com/1.png", "https://example.com", 0)

	want := []model.ImageRecord{
		{ImageURL: "https://example.com/2.png", SourceURL: "https://example.com", Depth: 0},
		{ImageURL: "https://example.com/1.png", SourceURL: "https://example.com", Depth: 0},
	}
	first := c.Snapshot()
	assert.Equal(t, want, first)

	first[0].ImageURL = "changed"
	assert.Equal(t, want, c.Snapshot(), "snapshot must not alias collector state")
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Record(fmt.Sprintf("https://example.com/%d.png", i%10), "https://example.com", 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, c.Len())
}

func TestFingerprint(t *testing.T) {
	a := model.ImageRecord{ImageURL: "https://example.com/a.png", SourceURL: "https://example.com", Depth: 1}
	b := a

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	b.Depth = 2
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
