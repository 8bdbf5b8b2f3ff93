// Package challenge asks a hosted generative-text API for the "tribe challenge" shown in the wild room.
package challenge

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.5-flash"

	prompt = "Generate a short, fun, wild 'Jungle Challenge' or 18+ style spicy icebreaker question for a group chat. " +
		"Maximum 20 words. Keep it fun and mysterious."

	MissingKeyText = "The Tribe Leader is meditating. (API Key missing)"
	EmptyText      = "Welcome to the Jungle!"
	ErrorText      = "The jungle is silent tonight."

	requestTimeout = 10 * time.Second
)

// Generator never fails: errors degrade to a fixed text.
type Generator interface {
	Generate(ctx context.Context) string
}

// Client generates challenges with the Gemini API. The genai client is created on first use.
type Client struct {
	Model      string
	ApiKey     string
	BaseURL    string // empty for the public endpoint
	HTTPClient *http.Client

	once   sync.Once
	client *genai.Client
	err    error
}

func NewClient(apiKey string) *Client {
	return &Client{
		Model:      DefaultModel,
		ApiKey:     apiKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) Generate(ctx context.Context) string {
	if c.ApiKey == "" || c.ApiKey == "PLACEHOLDER_API_KEY" {
		return MissingKeyText
	}

	text, err := c.generate(ctx)
	if err != nil {
		glog.Errorf("challenge: generate error: %v", err)
		return ErrorText
	}
	if text == "" {
		return EmptyText
	}
	return text
}

func (c *Client) genaiClient(ctx context.Context) (*genai.Client, error) {
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      c.ApiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPClient:  c.HTTPClient,
			HTTPOptions: genai.HTTPOptions{BaseURL: c.BaseURL},
		})
	})
	return c.client, c.err
}

func (c *Client) generate(ctx context.Context) (string, error) {
	client, err := c.genaiClient(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.Models.GenerateContent(ctx, c.Model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}
