package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// HTTPCalendar fetches the economic calendar from an upstream feed.
type HTTPCalendar struct {
	logger     *zap.Logger
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPCalendar wires the calendar to a feed endpoint. The client carries
// no timeout of its own; the filter's per-refresh context bounds it.
func NewHTTPCalendar(logger *zap.Logger, endpoint, apiKey string) *HTTPCalendar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCalendar{
		logger:     logger.Named("calendar"),
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// FetchEvents downloads the upcoming event list.
func (c *HTTPCalendar) FetchEvents(ctx context.Context) ([]types.NewsEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/events", nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar feed %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body struct {
		Events []types.NewsEvent `json:"events"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("bad calendar payload: %w", err)
	}
	for i := range body.Events {
		body.Events[i].Impact = types.NewsImpact(strings.ToUpper(string(body.Events[i].Impact)))
		body.Events[i].Currency = strings.ToUpper(body.Events[i].Currency)
	}
	c.logger.Debug("calendario aggiornato", zap.Int("events", len(body.Events)))
	return body.Events, nil
}
