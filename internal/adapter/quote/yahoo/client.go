// Package yahoo implements the quote source against a Yahoo-compatible
// finance API: one batched quote call per symbol group, plus a per-symbol
// chart call for recent daily bars.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// Client calls the quote provider over HTTP. Failures are classified into
// the domain error taxonomy; callers decide the retry schedule.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. timeout bounds each individual HTTP call.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []quoteResult `json:"result"`
		Error  *apiError     `json:"error"`
	} `json:"quoteResponse"`
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type quoteResult struct {
	Symbol             string   `json:"symbol"`
	QuoteType          string   `json:"quoteType"`
	Currency           string   `json:"currency"`
	RegularMarketPrice *float64 `json:"regularMarketPrice"`
	RegularMarketVol   *int64   `json:"regularMarketVolume"`
	RegularMarketTime  int64    `json:"regularMarketTime"`
	TrailingPE         *float64 `json:"trailingPE"`
	EPS                *float64 `json:"epsTrailingTwelveMonths"`
	DividendYield      *float64 `json:"trailingAnnualDividendYield"`
	MarketCap          *int64   `json:"marketCap"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"chart"`
}

// FetchBatch fetches quotes for all symbols in one provider call. Symbols
// the provider does not echo back are reported as rejected, never errors.
// History bars are best-effort; a chart failure degrades the record to
// quote-only rather than failing the batch.
func (c *Client) FetchBatch(ctx context.Context, symbols []string) (domain.BatchResult, error) {
	if len(symbols) == 0 {
		return domain.BatchResult{}, fmt.Errorf("op=quote.fetch: empty batch: %w", domain.ErrInvalidArgument)
	}

	u := fmt.Sprintf("%s/v7/finance/quote?symbols=%s", c.baseURL, url.QueryEscape(strings.Join(symbols, ",")))
	var qr quoteResponse
	if err := c.getJSON(ctx, u, &qr); err != nil {
		return domain.BatchResult{}, fmt.Errorf("op=quote.fetch: %w", err)
	}
	if apiErr := qr.QuoteResponse.Error; apiErr != nil {
		return domain.BatchResult{}, fmt.Errorf("op=quote.fetch: provider error %s: %w", apiErr.Code, domain.ErrPermanent)
	}

	bySymbol := make(map[string]quoteResult, len(qr.QuoteResponse.Result))
	for _, res := range qr.QuoteResponse.Result {
		bySymbol[res.Symbol] = res
	}

	var out domain.BatchResult
	for _, sym := range symbols {
		res, ok := bySymbol[sym]
		if !ok || res.RegularMarketPrice == nil {
			slog.Warn("provider rejected symbol", slog.String("symbol", sym))
			out.Failed = append(out.Failed, sym)
			continue
		}
		rec := domain.QuoteRecord{
			Symbol:     sym,
			AssetType:  assetType(res.QuoteType),
			Currency:   res.Currency,
			LastPrice:  *res.RegularMarketPrice,
			Volume:     res.RegularMarketVol,
			ObservedAt: time.Unix(res.RegularMarketTime, 0).UTC(),
			Fundamentals: domain.Fundamentals{
				PERatio:       res.TrailingPE,
				EPS:           res.EPS,
				DividendYield: res.DividendYield,
				MarketCap:     res.MarketCap,
			},
		}
		if rec.ObservedAt.Before(time.Unix(1, 0)) {
			rec.ObservedAt = time.Now().UTC()
		}
		bars, err := c.history(ctx, sym)
		if err != nil {
			slog.Warn("history fetch degraded to quote-only",
				slog.String("symbol", sym), slog.Any("error", err))
		} else {
			rec.History = bars
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (c *Client) history(ctx context.Context, symbol string) ([]domain.HistoryBar, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=5d&interval=1d", c.baseURL, url.PathEscape(symbol))
	var cr chartResponse
	if err := c.getJSON(ctx, u, &cr); err != nil {
		return nil, err
	}
	if cr.Chart.Error != nil || len(cr.Chart.Result) == 0 {
		return nil, fmt.Errorf("chart unavailable: %w", domain.ErrPermanent)
	}
	res := cr.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 {
		return nil, nil
	}
	q := res.Indicators.Quote[0]
	n := len(res.Timestamp)
	for _, arr := range [][]*float64{q.Open, q.High, q.Low, q.Close} {
		if len(arr) < n {
			n = len(arr)
		}
	}
	var bars []domain.HistoryBar
	for i, ts := range res.Timestamp {
		if i >= n || i >= len(q.Volume) || q.Close[i] == nil || q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil {
			continue
		}
		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		bars = append(bars, domain.HistoryBar{
			Date:   day,
			Open:   *q.Open[i],
			High:   *q.High[i],
			Low:    *q.Low[i],
			Close:  *q.Close[i],
			Volume: q.Volume[i],
		})
	}
	return bars, nil
}

// getJSON performs one GET with a short connection-level retry. Only pure
// network errors are retried here; HTTP statuses surface immediately so the
// caller's schedule governs.
func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrInternal, err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "ticker-collector/1.0")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", domain.ErrTransient, err))
			}
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", domain.ErrTransient, err)
		}
		if err := classifyStatus(resp.StatusCode); err != nil {
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode: %v", domain.ErrPermanent, err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", code, domain.ErrRateLimited)
	case code >= 500:
		return fmt.Errorf("status %d: %w", code, domain.ErrTransient)
	default:
		return fmt.Errorf("status %d: %w", code, domain.ErrPermanent)
	}
}

func assetType(quoteType string) string {
	switch strings.ToUpper(quoteType) {
	case "ETF":
		return domain.AssetETF
	case "MUTUALFUND":
		return domain.AssetFund
	case "CRYPTOCURRENCY":
		return domain.AssetCrypto
	default:
		return domain.AssetStock
	}
}
