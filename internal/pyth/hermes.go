package pyth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const latestUpdatesPath = "/v2/updates/price/latest"

// HermesClient fetches signed price-update payloads that the Pyth contract
// verifies on-chain.
type HermesClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

type latestUpdatesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
}

func NewHermesClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HermesClient {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)

	return &HermesClient{http: httpClient, logger: logger}
}

// PriceUpdateData returns the update payloads for feedIDs. No feeds means no
// payload and no request.
func (h *HermesClient) PriceUpdateData(ctx context.Context, feedIDs []string) ([][]byte, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}

	resp, err := h.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParamsFromValues(url.Values{"ids[]": feedIDs}).
		SetQueryParam("encoding", "hex").
		Get(latestUpdatesPath)
	if err != nil {
		return nil, fmt.Errorf("hermes request: %w", err)
	}

	raw := resp.Body()
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("hermes: HTTP %d: %s", resp.StatusCode(), string(raw))
	}

	var out latestUpdatesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("hermes: decode response: %w", err)
	}
	if len(out.Binary.Data) == 0 {
		return nil, fmt.Errorf("hermes: empty update for %d feeds", len(feedIDs))
	}

	data := make([][]byte, 0, len(out.Binary.Data))
	for _, s := range out.Binary.Data {
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, fmt.Errorf("hermes: decode payload: %w", err)
		}
		data = append(data, b)
	}

	h.logger.Debug().Int("feeds", len(feedIDs)).Int("payloads", len(data)).Msg("price update data fetched")
	return data, nil
}
