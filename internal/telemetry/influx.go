package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"codeberg.org/howlx/atmosd/internal/errors"
)

const influxMeasurement = "howlx"

// Identity points ride as line-protocol tags, not fields.
var influxTagKeys = map[string]bool{
	"sensor-name": true,
	"sensor-id":   true,
	"sensor-type": true,
	"fw-version":  true,
}

// InfluxConfig configures the InfluxDB sink. v2 credentials take priority;
// the v1 fields are the fallback for legacy servers.
type InfluxConfig struct {
	URL    string
	Org    string
	Bucket string
	Token  string

	V1DB   string
	V1User string
	V1Pass string
}

func (c InfluxConfig) hasV2() bool { return c.Token != "" && c.Org != "" && c.Bucket != "" }
func (c InfluxConfig) hasV1() bool { return c.V1DB != "" }

type InfluxSink struct {
	client *http.Client
	cfg    InfluxConfig
}

func NewInflux(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.WithData(errors.ErrSinkConfig, "influxdb requires a server URL")
	}
	if !cfg.hasV2() && !cfg.hasV1() {
		return nil, errors.WithData(errors.ErrSinkConfig,
			"influxdb requires v2 credentials (org, bucket, token) or a v1 database")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return &InfluxSink{
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
	}, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

// Publish writes one line-protocol point without a timestamp; the server
// assigns receive time, which is close enough for a node that reports every
// few minutes.
func (s *InfluxSink) Publish(ctx context.Context, c Cycle) error {
	line := buildLine(c)

	var endpoint string
	headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
	if s.cfg.hasV2() {
		endpoint = fmt.Sprintf("%s/api/v2/write?org=%s&bucket=%s&precision=s",
			s.cfg.URL, url.QueryEscape(s.cfg.Org), url.QueryEscape(s.cfg.Bucket))
		headers["Authorization"] = "Token " + s.cfg.Token
	} else {
		endpoint = fmt.Sprintf("%s/write?db=%s&precision=s", s.cfg.URL, url.QueryEscape(s.cfg.V1DB))
		if s.cfg.V1User != "" && s.cfg.V1Pass != "" {
			endpoint += fmt.Sprintf("&u=%s&p=%s", url.QueryEscape(s.cfg.V1User), url.QueryEscape(s.cfg.V1Pass))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(line+"\n"))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSinkDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.WithData(errors.ErrSinkDelivery,
			fmt.Sprintf("influxdb write returned HTTP %d", resp.StatusCode))
	}

	return nil
}

// buildLine renders the cycle as one line-protocol point: identity as tags,
// everything else as fields keyed by the feed name with dashes folded to
// underscores.
func buildLine(c Cycle) string {
	var b strings.Builder
	b.WriteString(influxMeasurement)
	b.WriteString(",device=")
	b.WriteString(escapeTag(c.Identity.ID))
	b.WriteString(",name=")
	b.WriteString(escapeTag(c.Identity.Name))
	b.WriteByte(' ')

	first := true
	for _, p := range c.Points {
		if influxTagKeys[p.Key] {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false

		b.WriteString(strings.ReplaceAll(p.Key, "-", "_"))
		b.WriteByte('=')
		switch v := p.Value.(type) {
		case float64:
			b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			b.WriteString(strconv.Itoa(v))
			b.WriteByte('i')
		case bool:
			if v {
				b.WriteString("1i")
			} else {
				b.WriteString("0i")
			}
		case string:
			b.WriteString(quoteField(v))
		default:
			b.WriteString(quoteField(fmt.Sprint(v)))
		}
	}

	return b.String()
}

// escapeTag escapes the line-protocol tag-value specials.
func escapeTag(v string) string {
	v = strings.ReplaceAll(v, ",", `\,`)
	v = strings.ReplaceAll(v, " ", `\ `)
	v = strings.ReplaceAll(v, "=", `\=`)

	return v
}

func quoteField(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}
