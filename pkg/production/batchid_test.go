package production

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 5, 9, 7, 0, 0, time.UTC)
}

func TestBatchIDGenerator_Candidate(t *testing.T) {
	g := NewBatchIDGenerator(fixedClock)

	assert.Equal(t, "MEATBALL-20240305-0907-YS", g.Candidate("", "meatball", "Yuki Sato", 0))
	assert.Equal(t, "RP-MB250-20240305-0907-X", g.Candidate("RP", "mb-250", "", 0))

	retry := g.Candidate("", "meatball", "Yuki Sato", 1)
	assert.True(t, strings.HasPrefix(retry, "MEATBALL-20240305-0907-YS-"))
	assert.Len(t, retry, len("MEATBALL-20240305-0907-YS-")+4)
}

func TestBatchIDGenerator_SanitizesInput(t *testing.T) {
	g := NewBatchIDGenerator(fixedClock)

	// 記号・非ASCIIは除去し、12文字で切り詰める
	id := g.Candidate("", "ミートボール/very-long-product-code", "佐藤", 0)
	assert.Equal(t, "VERYLONGPROD-20240305-0907-X", id)
}

func TestBatchIDGenerator_RetriesAreDistinct(t *testing.T) {
	g := NewBatchIDGenerator(fixedClock)

	seen := make(map[string]struct{})
	for attempt := 1; attempt <= 200; attempt++ {
		seen[g.Candidate("", "P1", "YS", attempt)] = struct{}{}
	}
	for i := 0; i < 200; i++ {
		seen[g.Fallback("", "P1", "YS")] = struct{}{}
	}
	// 32^4の接尾辞なので200件程度では衝突はまず起こらない
	assert.Greater(t, len(seen), 395)
}

func TestInitials(t *testing.T) {
	assert.Equal(t, "YS", initials("yuki sato"))
	assert.Equal(t, "ABC", initials("a b c d"))
	assert.Equal(t, "", initials("  "))
}
