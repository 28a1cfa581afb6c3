package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// upstreamClient is the shared HTTP plumbing behind the narrow provider
// interfaces the connectors declare. Each provider is a thin view over
// one base URL; responses are JSON.
type upstreamClient struct {
	http   *http.Client
	apiKey string
}

func newUpstreamClient(timeout time.Duration, apiKey string) *upstreamClient {
	return &upstreamClient{
		http:   &http.Client{Timeout: timeout},
		apiKey: apiKey,
	}
}

func (c *upstreamClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *upstreamClient) post(ctx context.Context, rawURL string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *upstreamClient) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upstream %s: status %d", req.URL.Host, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// infoProvider implements the info connector's client against one
// aggregator endpoint per action.
type infoProvider struct {
	client *upstreamClient
	base   string
}

func (p *infoProvider) Weather(ctx context.Context, city string) (map[string]any, error) {
	var out map[string]any
	err := p.client.get(ctx, p.base+"/weather?city="+url.QueryEscape(city), &out)
	return out, err
}

func (p *infoProvider) Currency(ctx context.Context, from, to string, amount float64) (map[string]any, error) {
	var out map[string]any
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("amount", strconv.FormatFloat(amount, 'f', -1, 64))
	err := p.client.get(ctx, p.base+"/currency?"+q.Encode(), &out)
	return out, err
}

func (p *infoProvider) Gif(ctx context.Context, query string) ([]map[string]any, error) {
	var out []map[string]any
	err := p.client.get(ctx, p.base+"/gifs?q="+url.QueryEscape(query), &out)
	return out, err
}

func (p *infoProvider) WebSearch(ctx context.Context, query string) ([]map[string]any, error) {
	var out []map[string]any
	err := p.client.get(ctx, p.base+"/search?q="+url.QueryEscape(query), &out)
	return out, err
}

// travelProvider implements the travel connector's searcher.
type travelProvider struct {
	client *upstreamClient
	base   string
}

func (p *travelProvider) Search(ctx context.Context, kind string, query map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	err := p.client.post(ctx, p.base+"/search/"+url.PathEscape(kind), query, &out)
	return out, err
}

// calendarProvider implements the calendar connector's provider.
type calendarProvider struct {
	client *upstreamClient
	base   string
}

func (p *calendarProvider) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]map[string]any, error) {
	var out []map[string]any
	q := url.Values{}
	q.Set("user", userID)
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))
	err := p.client.get(ctx, p.base+"/events?"+q.Encode(), &out)
	return out, err
}

func (p *calendarProvider) BookingLink(ctx context.Context, userID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := p.client.get(ctx, p.base+"/booking-link?user="+url.QueryEscape(userID), &out)
	return out.URL, err
}

// messagingProvider implements both outbound send surfaces of the
// messaging connector.
type messagingProvider struct {
	client *upstreamClient
	base   string
}

func (p *messagingProvider) SendEmail(ctx context.Context, to, subject, body string) error {
	return p.client.post(ctx, p.base+"/email", map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	}, nil)
}

func (p *messagingProvider) SendWhatsApp(ctx context.Context, userID, body string) error {
	return p.client.post(ctx, p.base+"/whatsapp", map[string]string{
		"user_id": userID,
		"body":    body,
	}, nil)
}
