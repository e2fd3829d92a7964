package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/homepulse/internal/httpkit"
	"github.com/nugget/homepulse/internal/pipeline"
)

// WeatherConfig configures the weather fetcher.
type WeatherConfig struct {
	// URL is the current-conditions endpoint (OpenWeather-compatible).
	URL       string
	APIKey    string
	Latitude  float64
	Longitude float64
	// Interval is the tick cadence (default 15m).
	Interval time.Duration
	// CacheTTL bounds upstream request rate independently of the tick
	// cadence (default 10m).
	CacheTTL time.Duration
	// Timeout bounds one fetch (default 10s).
	Timeout time.Duration

	Logger *slog.Logger
}

// weatherObservation is the subset of the upstream payload we keep.
type weatherObservation struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
	WindSpeed   float64
	CloudCover  float64
	Condition   string
}

// Weather fetches current outdoor conditions and injects them as one
// enrichment event per tick. Outdoor context makes indoor telemetry
// interpretable: a heating spike means something different at -10°C.
type Weather struct {
	cfg        WeatherConfig
	httpClient *http.Client
	cached     *cache[weatherObservation]
}

// NewWeather creates the weather fetcher.
func NewWeather(cfg WeatherConfig) *Weather {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Weather{
		cfg: cfg,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithLogger(cfg.Logger),
		),
		cached: newCache[weatherObservation](cfg.CacheTTL),
	}
}

func (w *Weather) Kind() string            { return "weather" }
func (w *Weather) Interval() time.Duration { return w.cfg.Interval }

// Fetch returns one event with current conditions, served from cache
// while the TTL holds. The event is stamped with the time the
// observation was fetched, so a cache hit reuses the original source
// timestamp and correlation ID.
func (w *Weather) Fetch(ctx context.Context) ([]pipeline.NormalizedEvent, error) {
	obs, fetchedAt, ok := w.cached.get()
	if !ok {
		fetched, err := w.fetchUpstream(ctx)
		if err != nil {
			return nil, err
		}
		obs = fetched
		fetchedAt = w.cached.put(obs)
	}

	const entityID = "weather.enrichment"
	ev := pipeline.NormalizedEvent{
		EntityID: entityID,
		Domain:   "weather",
		Kind:     "weather",
		Fields: map[string]any{
			"temperature": obs.Temperature,
			"humidity":    obs.Humidity,
			"pressure":    obs.Pressure,
			"wind_speed":  obs.WindSpeed,
			"cloud_cover": obs.CloudCover,
		},
		Tags:          map[string]string{"condition": obs.Condition},
		SourceTime:    fetchedAt,
		Received:      time.Now(),
		CorrelationID: pipeline.CorrelationID(entityID, fetchedAt),
	}
	return []pipeline.NormalizedEvent{ev}, nil
}

func (w *Weather) fetchUpstream(ctx context.Context) (weatherObservation, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(w.cfg.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(w.cfg.Longitude, 'f', -1, 64))
	q.Set("units", "metric")
	if w.cfg.APIKey != "" {
		q.Set("appid", w.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return weatherObservation{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return weatherObservation{}, fmt.Errorf("fetch weather: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return weatherObservation{}, fmt.Errorf("weather API error %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity float64 `json:"humidity"`
			Pressure float64 `json:"pressure"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Clouds struct {
			All float64 `json:"all"`
		} `json:"clouds"`
		Weather []struct {
			Main string `json:"main"`
		} `json:"weather"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return weatherObservation{}, fmt.Errorf("decode weather response: %w", err)
	}

	obs := weatherObservation{
		Temperature: payload.Main.Temp,
		Humidity:    payload.Main.Humidity,
		Pressure:    payload.Main.Pressure,
		WindSpeed:   payload.Wind.Speed,
		CloudCover:  payload.Clouds.All,
	}
	if len(payload.Weather) > 0 {
		obs.Condition = payload.Weather[0].Main
	}
	return obs, nil
}
