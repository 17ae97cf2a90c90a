package oracle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// HTTPFeed reads price observations from a JSON endpoint. The endpoint
// responds with {"price":"<decimal USD 1e18>","updatedAt":<unix seconds>}.
type HTTPFeed struct {
	url    string
	client *http.Client
}

func NewHTTPFeed(url string) *HTTPFeed {
	return &HTTPFeed{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type feedPayload struct {
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Latest fetches the current observation. Network and decoding failures are
// hard feed failures; the oracle's staleness check guards the timestamp.
func (f *HTTPFeed) Latest() (*big.Int, time.Time, error) {
	resp, err := f.client.Get(f.url)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("price feed %s: %w", f.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("price feed %s: unexpected status %d", f.url, resp.StatusCode)
	}
	var payload feedPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, time.Time{}, fmt.Errorf("price feed %s: decode: %w", f.url, err)
	}
	price, ok := new(big.Int).SetString(payload.Price, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("price feed %s: invalid price %q", f.url, payload.Price)
	}
	return price, time.Unix(payload.UpdatedAt, 0), nil
}
