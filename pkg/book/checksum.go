package book

import (
	"hash/crc32"
	"strings"
)

// checksumDepth is how many levels per side the feed covers with its
// CRC32, per the exchange's l2_updates documentation.
const checksumDepth = 10

// Checksum computes the CRC32 the feed publishes alongside deltas. The
// string is built from the top levels of both sides, interleaved
// bid-then-ask per rung, rendered back to the feed's decimal form via
// the supplied formatters and joined with ':'.
func (b *Book) Checksum(formatPrice, formatSize func(int64) string) uint32 {
	b.mu.RLock()
	bids := b.bids
	asks := b.asks
	if len(bids) > checksumDepth {
		bids = bids[:checksumDepth]
	}
	if len(asks) > checksumDepth {
		asks = asks[:checksumDepth]
	}

	n := len(bids)
	if len(asks) > n {
		n = len(asks)
	}
	parts := make([]string, 0, 4*n)
	for i := 0; i < n; i++ {
		if i < len(bids) {
			parts = append(parts, formatPrice(bids[i].Price), formatSize(bids[i].Size))
		}
		if i < len(asks) {
			parts = append(parts, formatPrice(asks[i].Price), formatSize(asks[i].Size))
		}
	}
	b.mu.RUnlock()

	return crc32.ChecksumIEEE([]byte(strings.Join(parts, ":")))
}
