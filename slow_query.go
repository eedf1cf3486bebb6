package ygggo_dbclient

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// SlowQueryRecord is one statement that ran longer than SlowQueryThreshold.
// Arguments are never kept.
type SlowQueryRecord struct {
	Operation  string        `json:"operation"`
	Statement  string        `json:"statement"`
	Normalized string        `json:"normalized"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
	ErrorKind  string        `json:"error_kind,omitempty"`
}

// QueryPattern aggregates slow statements that normalize to the same text.
type QueryPattern struct {
	Normalized      string        `json:"normalized"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastSeen        time.Time     `json:"last_seen"`
}

// SlowQueryStats is a snapshot of the slow query log.
type SlowQueryStats struct {
	TotalCount int64             `json:"total_count"`
	Recent     []SlowQueryRecord `json:"recent"`
	Top        []QueryPattern    `json:"top"`
}

const (
	defaultSlowQueryRecords  = 256
	defaultSlowQueryPatterns = 100
)

var (
	stringLiteralRe = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	numericRe       = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	inListRe        = regexp.MustCompile(`(?i)\bIN\s*\((?:\s*\?\s*,)*\s*\?\s*\)`)
)

// normalizeStatement folds literals and IN lists so that equivalent
// statements share one pattern.
func normalizeStatement(s string) string {
	s = stringLiteralRe.ReplaceAllString(s, "?")
	s = numericRe.ReplaceAllString(s, "?")
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	s = inListRe.ReplaceAllString(s, "IN (...)")
	return s
}

// slowQueryLog keeps a bounded ring of recent slow statements plus per-pattern
// totals. Once maxPatterns is reached, new patterns are counted but not tracked.
type slowQueryLog struct {
	mu          sync.Mutex
	records     []SlowQueryRecord
	next        int
	full        bool
	total       int64
	patterns    map[string]*QueryPattern
	maxPatterns int
}

func newSlowQueryLog(maxRecords, maxPatterns int) *slowQueryLog {
	if maxRecords <= 0 {
		maxRecords = defaultSlowQueryRecords
	}
	if maxPatterns <= 0 {
		maxPatterns = defaultSlowQueryPatterns
	}
	return &slowQueryLog{
		records:     make([]SlowQueryRecord, maxRecords),
		patterns:    make(map[string]*QueryPattern),
		maxPatterns: maxPatterns,
	}
}

func (l *slowQueryLog) record(op, statement string, d time.Duration, err error) {
	if l == nil {
		return
	}
	rec := SlowQueryRecord{
		Operation:  op,
		Statement:  truncate(statement, maxLoggedStatement),
		Normalized: normalizeStatement(statement),
		Duration:   d,
		Timestamp:  time.Now(),
	}
	if err != nil {
		rec.ErrorKind = KindOf(err).String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}

	p, ok := l.patterns[rec.Normalized]
	if !ok {
		if len(l.patterns) >= l.maxPatterns {
			return
		}
		p = &QueryPattern{Normalized: rec.Normalized}
		l.patterns[rec.Normalized] = p
	}
	p.Count++
	p.TotalDuration += d
	p.AverageDuration = p.TotalDuration / time.Duration(p.Count)
	if d > p.MaxDuration {
		p.MaxDuration = d
	}
	p.LastSeen = rec.Timestamp
}

// snapshot returns recent records newest first and the top patterns by
// total time.
func (l *slowQueryLog) snapshot(top int) SlowQueryStats {
	if l == nil {
		return SlowQueryStats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.records)
	}
	recent := make([]SlowQueryRecord, 0, n)
	for i := 1; i <= n; i++ {
		recent = append(recent, l.records[(l.next-i+len(l.records))%len(l.records)])
	}

	patterns := make([]QueryPattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].TotalDuration != patterns[j].TotalDuration {
			return patterns[i].TotalDuration > patterns[j].TotalDuration
		}
		return patterns[i].Normalized < patterns[j].Normalized
	})
	if top > 0 && len(patterns) > top {
		patterns = patterns[:top]
	}
	return SlowQueryStats{TotalCount: l.total, Recent: recent, Top: patterns}
}

func (l *slowQueryLog) reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.records)
	l.next, l.full, l.total = 0, false, 0
	l.patterns = make(map[string]*QueryPattern)
}

// SlowQueries reports the slow statements seen since construction or the last
// ResetSlowQueries, with at most top patterns (all when top <= 0). It is empty
// when SlowQueryThreshold is zero.
func (c *Client) SlowQueries(top int) SlowQueryStats {
	return c.slowLog.snapshot(top)
}

// ResetSlowQueries clears the slow query log.
func (c *Client) ResetSlowQueries() {
	c.slowLog.reset()
}
