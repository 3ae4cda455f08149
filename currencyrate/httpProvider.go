package currencyrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HTTPProvider reads daily reference rates from a JSON rate service:
//
//	GET {baseURL}/rates/{CUR}/{YYYY-MM-DD}?base={BASE}  ->  {"rate": "4.3012", "date": "2026-03-09"}
//
// A 404 means no rate was published that day; the provider walks back one day at a time up to
// MaxFallbackDays. Any other failure is returned so the calling stage is retried.
type HTTPProvider struct {
	BaseURL         string
	APIKey          string
	BaseCurrency    string
	MaxFallbackDays int
	HTTP            *http.Client
	Logger          *logrus.Logger
}

var _ Provider = (*HTTPProvider)(nil)

func NewHTTPProvider(baseCurrency string, maxFallbackDays int, logger *logrus.Logger) (*HTTPProvider, error) {
	baseURL := strings.TrimSpace(os.Getenv("CURRENCY_RATE_API_URL"))
	if baseURL == "" {
		return nil, errors.New("CURRENCY_RATE_API_URL is not set")
	}
	return &HTTPProvider{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          strings.TrimSpace(os.Getenv("CURRENCY_RATE_API_KEY")),
		BaseCurrency:    normalizeCurrency(baseCurrency),
		MaxFallbackDays: maxFallbackDays,
		HTTP:            &http.Client{Timeout: 15 * time.Second},
		Logger:          logger,
	}, nil
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
	Date string          `json:"date"`
}

var errNoRateForDay = errors.New("no rate published for day")

func (p *HTTPProvider) GetRate(ctx context.Context, currency string, date time.Time) (Rate, error) {
	currency = normalizeCurrency(currency)
	day := Day(date)
	if currency == "" || currency == p.BaseCurrency {
		return Rate{Currency: currency, Rate: decimal.NewFromInt(1), Date: day}, nil
	}

	for back := 0; back <= p.MaxFallbackDays; back++ {
		try := day.AddDate(0, 0, -back)
		rate, err := p.fetch(ctx, currency, try)
		if errors.Is(err, errNoRateForDay) {
			continue
		}
		if err != nil {
			return Rate{}, fmt.Errorf("fetch %s rate for %s: %w", currency, try.Format(DateLayout), err)
		}
		if back > 0 && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":     "CurrencyRate",
				"currency":  currency,
				"requested": day.Format(DateLayout),
				"used":      rate.Date.Format(DateLayout),
			}).Info("currency rate fell back to an earlier day")
		}
		return rate, nil
	}
	return Rate{}, fmt.Errorf("%s within %d days of %s: %w", currency, p.MaxFallbackDays, day.Format(DateLayout), ErrRateUnavailable)
}

func (p *HTTPProvider) fetch(ctx context.Context, currency string, day time.Time) (Rate, error) {
	endpoint := fmt.Sprintf("%s/rates/%s/%s", p.BaseURL, url.PathEscape(currency), day.Format(DateLayout))
	if p.BaseCurrency != "" {
		endpoint += "?" + url.Values{"base": {p.BaseCurrency}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Rate{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-API-Key", p.APIKey)
	}

	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Rate{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return Rate{}, errNoRateForDay
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Rate{}, fmt.Errorf("rate api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed rateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Rate{}, err
	}
	if !parsed.Rate.IsPositive() {
		return Rate{}, fmt.Errorf("rate api returned non-positive rate %s", parsed.Rate)
	}
	published := day
	if parsed.Date != "" {
		if t, err := time.Parse(DateLayout, parsed.Date); err == nil {
			published = t
		}
	}
	return Rate{Currency: currency, Rate: parsed.Rate, Date: published}, nil
}
