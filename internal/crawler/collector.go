package crawler

import (
	"sync"

	"github.com/IliaW/image-crawler/internal/model"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Collector is a deduplicated, insertion ordered store of image records.
type Collector struct {
	mu      sync.Mutex
	index   map[uuid.UUID]struct{}
	records []model.ImageRecord
}

func NewCollector() *Collector {
	return &Collector{
		index:   make(map[uuid.UUID]struct{}),
		records: make([]model.ImageRecord, 0, 64),
	}
}

// Record adds the triple unless an identical one is already stored. It reports whether the record was added.
func (c *Collector) Record(imageURL, sourceURL string, depth int) bool {
	record := model.ImageRecord{ImageURL: imageURL, SourceURL: sourceURL, Depth: depth}
	key := Fingerprint(record)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[key]; ok {
		return false
	}
	c.index[key] = struct{}{}
	c.records = append(c.records, record)

	return true
}

// Snapshot returns a copy of all records in insertion order.
func (c *Collector) Snapshot() []model.ImageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ImageRecord, len(c.records))
	copy(out, c.records)
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Fingerprint is a name based UUID over the JSON encoding of the whole record.
func Fingerprint(record model.ImageRecord) uuid.UUID {
	body, _ := jsoniter.Marshal(record)
	return uuid.NewSHA1(uuid.NameSpaceURL, body)
}
