package production

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const suffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BatchIDGenerator builds human-traceable batch ids of the form
// PRODUCT-YYYYMMDD-HHMM-INITIALS. The minute granularity collides under
// concurrent creation, so callers retry with Candidate(attempt>0) and finally Fallback.
// 人が追跡できるバッチIDを生成（分単位のため衝突時は再試行）
type BatchIDGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewBatchIDGenerator creates a generator using now as its clock
// 新しいバッチID生成器を作成
func NewBatchIDGenerator(now func() time.Time) *BatchIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &BatchIDGenerator{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: now,
	}
}

// Candidate returns the id for a given attempt; attempt 0 is the plain base id,
// later attempts add a random suffix
// 試行回数に応じたID候補（0回目は基本形、以降はランダム接尾辞付き）
func (g *BatchIDGenerator) Candidate(prefix, productID, worker string, attempt int) string {
	base := g.base(prefix, productID, worker)
	if attempt == 0 {
		return base
	}
	return base + "-" + g.randomSuffix(4)
}

// Fallback returns an id disambiguated by a nanosecond timestamp
// ナノ秒タイムスタンプで一意化したID
func (g *BatchIDGenerator) Fallback(prefix, productID, worker string) string {
	return g.base(prefix, productID, worker) + "-" + strings.ToUpper(strconv.FormatInt(time.Now().UnixNano(), 36)) + g.randomSuffix(2)
}

func (g *BatchIDGenerator) base(prefix, productID, worker string) string {
	now := g.now()
	parts := make([]string, 0, 5)
	if prefix != "" {
		parts = append(parts, sanitizeCode(prefix, 4))
	}
	parts = append(parts,
		orDefault(sanitizeCode(productID, 12), "B"),
		now.Format("20060102"),
		now.Format("1504"),
		orDefault(initials(worker), "X"),
	)
	return strings.Join(parts, "-")
}

func (g *BatchIDGenerator) randomSuffix(n int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(suffixAlphabet[g.rnd.Intn(len(suffixAlphabet))])
	}
	return b.String()
}

// sanitizeCode keeps ASCII letters and digits, upper-cased, truncated to max runes
func sanitizeCode(s string, max int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			if b.Len() >= max {
				break
			}
		}
	}
	return b.String()
}

// initials returns up to three initials of a worker name
func initials(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		code := sanitizeCode(word, 1)
		if code == "" {
			continue
		}
		b.WriteString(code)
		if b.Len() >= 3 {
			break
		}
	}
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
