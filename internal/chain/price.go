package chain

import (
	"context"
	"fmt"

	"github.com/wnt/oracle/internal/utils"
)

// jupiterPriceResponse is the shape of Jupiter's public price-v2 API,
// the simplest USD pass-through available for an arbitrary mint (spec
// §1 Non-goals: "passing through a price fetch for a USD-minimum
// filter" is explicitly in scope; deeper market-data computation is not).
type jupiterPriceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// FetchPriceUSD fetches a mint's current USD price. The caller treats a
// failure as "price unavailable," falling back to the static minimum
// balance (spec §4.4).
func FetchPriceUSD(ctx context.Context, client *utils.HTTPClient, mint string) (float64, error) {
	url := fmt.Sprintf("https://api.jup.ag/price/v2?ids=%s", mint)
	resp, err := client.Get(url, nil, nil)
	if err != nil {
		return 0, err
	}

	var parsed jupiterPriceResponse
	if err := resp.DecodeJSON(&parsed); err != nil {
		return 0, err
	}

	entry, ok := parsed.Data[mint]
	if !ok || entry.Price == "" {
		return 0, fmt.Errorf("chain: no price entry for %s", mint)
	}

	var price float64
	if _, err := fmt.Sscanf(entry.Price, "%f", &price); err != nil {
		return 0, fmt.Errorf("chain: invalid price %q: %w", entry.Price, err)
	}
	return price, nil
}
