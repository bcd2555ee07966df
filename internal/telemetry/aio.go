package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeberg.org/howlx/atmosd/internal/errors"
)

const aioDefaultBase = "https://io.adafruit.com/api/v2"

// AIOConfig configures the Adafruit IO group sink.
type AIOConfig struct {
	User  string
	Key   string
	Group string
	// BaseURL overrides the API endpoint. Empty means the public API.
	BaseURL string
}

// AIOSink batches the whole cycle into one group POST, one API call per
// cycle instead of one per feed.
type AIOSink struct {
	client *http.Client
	cfg    AIOConfig
}

func NewAIO(cfg AIOConfig) (*AIOSink, error) {
	if cfg.User == "" || cfg.Key == "" || cfg.Group == "" {
		return nil, errors.WithData(errors.ErrSinkConfig, "adafruit-io requires user, key and group")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = aioDefaultBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &AIOSink{
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
	}, nil
}

func (s *AIOSink) Name() string { return "adafruit-io" }

func (s *AIOSink) Publish(ctx context.Context, c Cycle) error {
	type feed struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	feeds := make([]feed, 0, len(c.Points))
	for _, p := range c.Points {
		feeds = append(feeds, feed{Key: p.Key, Value: p.Value})
	}

	body, err := json.Marshal(map[string]any{"feeds": feeds})
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}

	url := fmt.Sprintf("%s/%s/groups/%s/data", s.cfg.BaseURL, s.cfg.User, s.cfg.Group)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	req.Header.Set("X-AIO-Key", s.cfg.Key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSinkDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.WithData(errors.ErrSinkDelivery,
			fmt.Sprintf("adafruit-io group POST returned HTTP %d", resp.StatusCode))
	}

	return nil
}

// Reference is a set of trusted readings used to derive calibration offsets.
// Channels the reference group does not publish stay nil.
type Reference struct {
	TempC    *float64
	HumPct   *float64
	PressHPa *float64
}

// FetchReference pulls the latest values from a reference feed group,
// matching feeds by key suffix so group prefixes do not matter.
func (s *AIOSink) FetchReference(ctx context.Context, group string) (Reference, error) {
	url := fmt.Sprintf("%s/%s/groups/%s", s.cfg.BaseURL, s.cfg.User, group)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Reference{}, errors.Wrap(errors.ErrInternal, err)
	}
	req.Header.Set("X-AIO-Key", s.cfg.Key)

	resp, err := s.client.Do(req)
	if err != nil {
		return Reference{}, errors.Wrap(errors.ErrOffsetsFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Reference{}, errors.WithData(errors.ErrOffsetsFetch,
			fmt.Sprintf("reference group GET returned HTTP %d", resp.StatusCode))
	}

	var payload struct {
		Feeds []struct {
			Key       string `json:"key"`
			LastValue any    `json:"last_value"`
		} `json:"feeds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Reference{}, errors.Wrap(errors.ErrOffsetsFetch, err)
	}

	bySuffix := func(suffix string) *float64 {
		for _, f := range payload.Feeds {
			if !strings.HasSuffix(strings.ToLower(f.Key), suffix) {
				continue
			}
			switch v := f.LastValue.(type) {
			case float64:
				return &v
			case string:
				if parsed, err := strconv.ParseFloat(v, 64); err == nil {
					return &parsed
				}
			}
			return nil
		}
		return nil
	}

	return Reference{
		TempC:    bySuffix("temperature-c"),
		HumPct:   bySuffix("humidity-pct"),
		PressHPa: bySuffix("pressure-hpa"),
	}, nil
}
