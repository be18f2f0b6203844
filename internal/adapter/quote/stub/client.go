// Package stub provides a fast, deterministic quote source for local runs
// and tests. Prices derive from the symbol name, so repeated fetches agree.
package stub

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// Client answers every fetch locally. Symbols carrying the "BAD" marker are
// reported as provider rejections, which exercises the permanent-failure
// path end to end. Script, when set, injects one error per call ahead of
// the deterministic answers, so retry paths can be driven without a
// network.
type Client struct {
	Now    func() time.Time
	Script []error
}

// New constructs a stub Client.
func New() *Client {
	return &Client{Now: func() time.Time { return time.Now().UTC() }}
}

// FetchBatch returns one deterministic record per symbol.
func (c *Client) FetchBatch(_ context.Context, symbols []string) (domain.BatchResult, error) {
	if len(c.Script) > 0 {
		err := c.Script[0]
		c.Script = c.Script[1:]
		if err != nil {
			return domain.BatchResult{}, err
		}
	}
	if len(symbols) == 0 {
		return domain.BatchResult{}, domain.ErrInvalidArgument
	}
	now := c.Now()
	day := now.Truncate(24 * time.Hour)

	var out domain.BatchResult
	for _, sym := range symbols {
		if strings.Contains(sym, "BAD") {
			out.Failed = append(out.Failed, sym)
			continue
		}
		base := priceFor(sym)
		vol := int64(1_000_000 + len(sym)*10_000)
		pe := base / 3
		out.Records = append(out.Records, domain.QuoteRecord{
			Symbol:     sym,
			AssetType:  domain.AssetStock,
			Currency:   "BRL",
			LastPrice:  base,
			Volume:     &vol,
			ObservedAt: now,
			Fundamentals: domain.Fundamentals{
				PERatio: &pe,
			},
			History: []domain.HistoryBar{
				{Date: day, Open: base * 0.99, High: base * 1.01, Low: base * 0.98, Close: base, Volume: &vol},
			},
		})
	}
	return out, nil
}

func priceFor(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	// 10.00 .. 109.99
	return 10 + float64(h.Sum32()%10000)/100
}
