package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

const coingeckoBase = "https://api.coingecko.com/api/v3"

// coinGeckoSource snapshots market data. The cid embeds the hour so repeated
// cycles within the same hour dedupe to one snapshot per coin.
type coinGeckoSource struct {
	name       string
	coinIDs    []string
	vsCurrency string
	apiKey     string
	deps       Deps
}

func newCoinGeckoSource(name string, params map[string]any, deps Deps) (*coinGeckoSource, error) {
	coins := paramStrList(params, "coinIds")
	if len(coins) == 0 {
		return nil, service.ConfigErrorf("source %q: coinIds is required", name)
	}
	return &coinGeckoSource{
		name:       name,
		coinIDs:    coins,
		vsCurrency: paramStr(params, "vsCurrency", "usd"),
		apiKey:     paramStr(params, "apiKey", ""),
		deps:       deps,
	}, nil
}

func (s *coinGeckoSource) Name() string { return s.name }

type coingeckoMarket struct {
	ID             string  `json:"id"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	CurrentPrice   float64 `json:"current_price"`
	MarketCap      float64 `json:"market_cap"`
	Volume24h      float64 `json:"total_volume"`
	PriceChange24h float64 `json:"price_change_percentage_24h"`
}

func (s *coinGeckoSource) FetchItems(ctx context.Context) ([]service.ContentItem, error) {
	q := url.Values{}
	q.Set("vs_currency", s.vsCurrency)
	q.Set("ids", strings.Join(s.coinIDs, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coingeckoBase+"/coins/markets?"+q.Encode(), nil)
	if err != nil {
		return nil, service.FatalErr(err)
	}
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.deps.HTTP.HTTP.Do(req)
	if err != nil {
		return nil, service.RetryableErr(fmt.Errorf("coingecko: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, service.RetryableErr(fmt.Errorf("coingecko: status %d", resp.StatusCode))
	}

	var markets []coingeckoMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, service.RetryableErr(fmt.Errorf("coingecko decode: %w", err))
	}

	now := time.Now().UTC()
	hour := now.Truncate(time.Hour)

	out := make([]service.ContentItem, 0, len(markets))
	for _, m := range markets {
		out = append(out, service.ContentItem{
			CID:    fmt.Sprintf("coingecko-%s-%d", m.ID, hour.Unix()),
			Type:   "coingeckoMarket",
			Source: s.name,
			Title:  fmt.Sprintf("%s (%s)", m.Name, strings.ToUpper(m.Symbol)),
			Text: fmt.Sprintf("%s price: %.4f %s, market cap %.0f, 24h volume %.0f, 24h change %.2f%%",
				m.Name, m.CurrentPrice, s.vsCurrency, m.MarketCap, m.Volume24h, m.PriceChange24h),
			Link: "https://www.coingecko.com/en/coins/" + m.ID,
			Date: now.Unix(),
			Metadata: map[string]any{
				"coinId":         m.ID,
				"symbol":         m.Symbol,
				"price":          m.CurrentPrice,
				"marketCap":      m.MarketCap,
				"volume24h":      m.Volume24h,
				"priceChange24h": m.PriceChange24h,
				"vsCurrency":     s.vsCurrency,
			},
		})
	}
	return out, nil
}
