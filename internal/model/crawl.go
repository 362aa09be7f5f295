package model

import "time"

type CrawlMechanism int

const (
	Curl CrawlMechanism = iota
	HeadlessBrowser
	Archive
)

func (cm CrawlMechanism) String() string {
	names := [...]string{"curl", "headless browser", "common crawl archive"}
	if cm < 0 || int(cm) >= len(names) {
		return "unknown"
	}
	return names[cm]
}

// CrawlTarget is one unit of crawl work. Depth is the hop count from the seed.
type CrawlTarget struct {
	URL   string
	Depth int
}

// Page is what a fetcher exposes about a loaded page. URLs are absolute.
type Page struct {
	URL       string
	ImageSrcs []string
	LinkHrefs []string
}

type ImageRecord struct {
	ImageURL  string `json:"imageUrl"`
	SourceURL string `json:"sourceUrl"`
	Depth     int    `json:"depth"`
}

// Result is the outcome of one crawl session.
type Result struct {
	SessionID    string        `json:"session_id"`
	SeedURL      string        `json:"seed_url"`
	BaseHost     string        `json:"base_host"`
	MaxDepth     int           `json:"max_depth"`
	Images       []ImageRecord `json:"images"`
	PagesFetched int           `json:"pages_fetched"`
	PagesFailed  int           `json:"pages_failed"`
	Cancelled    bool          `json:"cancelled"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// ExportDocument is the persisted form of a result.
type ExportDocument struct {
	Result []ImageRecord `json:"result"`
}

type CrawlTask struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
	Force bool   `json:"force"`
}

type ExportTask struct {
	SessionID string `json:"session_id"`
	SeedURL   string `json:"seed_url"`
	BaseHost  string `json:"base_host"`
	Location  string `json:"location"`
	Images    int    `json:"images"`
	Cancelled bool   `json:"cancelled"`
}
