package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loomhq/loom/pkg/httpclient"
)

const openMeteoBaseURL = "https://api.open-meteo.com/v1/forecast"

type weatherArgs struct {
	Latitude  float64 `json:"latitude" jsonschema:"required,description=Latitude of the location,minimum=-90,maximum=90"`
	Longitude float64 `json:"longitude" jsonschema:"required,description=Longitude of the location,minimum=-180,maximum=180"`
}

type weatherResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Current   struct {
		Time          string  `json:"time"`
		Temperature2M float64 `json:"temperature_2m"`
		WeatherCode   int     `json:"weather_code"`
		WindSpeed10M  float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Daily struct {
		Time             []string  `json:"time"`
		Temperature2MMax []float64 `json:"temperature_2m_max"`
		Temperature2MMin []float64 `json:"temperature_2m_min"`
		Sunrise          []string  `json:"sunrise"`
		Sunset           []string  `json:"sunset"`
	} `json:"daily"`
}

// NewWeatherTool returns the getWeather tool backed by the Open-Meteo
// forecast API, which needs no credential.
func NewWeatherTool() (Tool, error) {
	return newWeatherTool(openMeteoBaseURL)
}

func newWeatherTool(baseURL string) (Tool, error) {
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
		httpclient.WithMaxRetries(2),
		httpclient.WithRetryStrategy(func(int) httpclient.RetryStrategy {
			return httpclient.ConservativeRetry
		}),
	)

	return New(Config{
		Name:        "getWeather",
		Description: "Get the current weather and daily forecast at a location given its coordinates.",
	}, func(ctx context.Context, turn Turn, args weatherArgs) (any, error) {
		q := url.Values{}
		q.Set("latitude", fmt.Sprintf("%g", args.Latitude))
		q.Set("longitude", fmt.Sprintf("%g", args.Longitude))
		q.Set("current", "temperature_2m,weather_code,wind_speed_10m")
		q.Set("daily", "temperature_2m_max,temperature_2m_min,sunrise,sunset")
		q.Set("timezone", "auto")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create weather request: %w", err)
		}

		resp, err := client.Do(req)
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return nil, fmt.Errorf("weather request failed with status %d: %s", resp.StatusCode, string(body))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("weather request failed: %w", err)
		}
		if resp == nil {
			return nil, fmt.Errorf("weather request failed: no response received")
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read weather response: %w", err)
		}

		var weather weatherResponse
		if err := json.Unmarshal(body, &weather); err != nil {
			return nil, fmt.Errorf("failed to unmarshal weather response: %w", err)
		}

		return weather, nil
	})
}
