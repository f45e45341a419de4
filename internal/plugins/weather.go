package plugins

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultGeocodingURL = "https://api.openweathermap.org/geo/1.0/direct"
	defaultWeatherURL   = "https://api.openweathermap.org/data/2.5/weather"
	defaultCity         = "北京"
)

var locationPattern = regexp.MustCompile(`(?:天气|weather)\s*([\p{Han}a-zA-Z\s]+)`)

// WeatherPlugin answers weather questions from OpenWeatherMap
type WeatherPlugin struct {
	*Base
	client       *resty.Client
	apiKey       string
	geocodingURL string
	weatherURL   string
}

type geoLocation struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

type currentWeather struct {
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Visibility int `json:"visibility"`
}

func newWeatherPlugin(name string, cfg config.PluginConfig, deps Deps) (Handler, error) {
	client := deps.HTTP
	if client == nil {
		client = resty.New().
			SetTimeout(10*time.Second).
			SetHeader("User-Agent", "Misskey-DeepSeek-Bot/1.0")
	}
	p := &WeatherPlugin{
		Base:         NewBase(name, "天气插件，查询指定城市的天气信息", cfg),
		client:       client,
		apiKey:       cfg.String("api_key", ""),
		geocodingURL: cfg.String("geocoding_url", defaultGeocodingURL),
		weatherURL:   cfg.String("weather_url", defaultWeatherURL),
	}
	if p.apiKey == "" {
		p.enabled.Store(false)
	}
	return p, nil
}

func (p *WeatherPlugin) Initialize(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("weather plugin has no api_key")
	}
	return nil
}

func (p *WeatherPlugin) OnMention(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	if !strings.Contains(ev.Text, "天气") && !strings.Contains(ev.Text, "weather") {
		return nil, nil
	}
	return p.answer(ctx, ev), nil
}

func (p *WeatherPlugin) OnMessage(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	if !strings.Contains(ev.Text, "天气") {
		return nil, nil
	}
	return p.answer(ctx, ev), nil
}

func (p *WeatherPlugin) answer(ctx context.Context, ev models.Event) *models.PluginResult {
	city := defaultCity
	if m := locationPattern.FindStringSubmatch(ev.Text); m != nil {
		if c := strings.TrimSpace(m[1]); c != "" {
			city = c
		}
	}
	logrus.WithFields(logrus.Fields{"plugin": p.Name(), "author": ev.AuthorHandle}).Infof("Weather query for %s", city)

	text := p.lookup(ctx, city)
	if text == "" {
		text = fmt.Sprintf("抱歉，无法获取 %s 的天气信息。", city)
	}
	return p.reply(text)
}

func (p *WeatherPlugin) lookup(ctx context.Context, city string) string {
	loc, err := p.geocode(ctx, city)
	if err != nil {
		logrus.WithField("plugin", p.Name()).Warnf("Geocoding failed: %v", err)
		return ""
	}
	if loc == nil {
		return fmt.Sprintf("抱歉，找不到城市 '%s' 的位置信息。", city)
	}

	var weather currentWeather
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"lat":   fmt.Sprint(loc.Lat),
			"lon":   fmt.Sprint(loc.Lon),
			"appid": p.apiKey,
			"units": "metric",
			"lang":  "zh_cn",
		}).
		SetResult(&weather).
		Get(p.weatherURL)
	if err != nil || resp.StatusCode() != 200 {
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		logrus.WithField("plugin", p.Name()).Warnf("Weather request failed (status %d): %v", status, err)
		return "抱歉，天气服务暂时不可用。"
	}

	name := loc.Name
	if loc.Country != "" {
		name += ", " + loc.Country
	}
	return formatWeather(name, &weather)
}

func (p *WeatherPlugin) geocode(ctx context.Context, city string) (*geoLocation, error) {
	var locations []geoLocation
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"q": city, "limit": "1", "appid": p.apiKey}).
		SetResult(&locations).
		Get(p.geocodingURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("geocoding returned status %d", resp.StatusCode())
	}
	if len(locations) == 0 {
		return nil, nil
	}
	return &locations[0], nil
}

func formatWeather(name string, w *currentWeather) string {
	if w.Main == nil || len(w.Weather) == 0 {
		return "抱歉，天气数据格式异常。"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🌤️ %s 的天气:\n", name)
	fmt.Fprintf(&b, "🌡️ 温度: %d°C (体感 %d°C)\n", int(math.Round(w.Main.Temp)), int(math.Round(w.Main.FeelsLike)))
	fmt.Fprintf(&b, "💧 湿度: %d%%\n", w.Main.Humidity)
	fmt.Fprintf(&b, "☁️ 天气: %s\n", w.Weather[0].Description)
	fmt.Fprintf(&b, "💨 风速: %g m/s\n", w.Wind.Speed)
	fmt.Fprintf(&b, "🌊 气压: %d hPa", w.Main.Pressure)
	if w.Visibility > 0 {
		fmt.Fprintf(&b, "\n👁️ 能见度: %.1f km", float64(w.Visibility)/1000)
	}
	return b.String()
}
