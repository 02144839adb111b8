package producer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/cinerender/internal/pipeline"
)

const (
	defaultGeneratePath = "/sdapi/v1/txt2img"
	defaultProbePath    = "/sdapi/v1/sd-models"
	maxResponseBytes    = 64 << 20
)

var ErrNoImage = errors.New("producer returned no image")

// HTTPConfig points at a text-to-image server speaking the txt2img JSON API.
type HTTPConfig struct {
	BaseURL string
	// GeneratePath and ProbePath default to the txt2img and model-list routes.
	GeneratePath string
	ProbePath    string
	APIKey       string
	Sampler      string
	Seed         int64
	Timeout      time.Duration
}

type HTTP struct {
	httpClient *http.Client
	generate   string
	probe      string
	apiKey     string
	sampler    string
	seed       int64
}

type txt2imgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	CFGScale       float64 `json:"cfg_scale"`
	Steps          int     `json:"steps"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("producer base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse producer base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = -1
	}

	return &HTTP{
		httpClient: &http.Client{Timeout: timeout},
		generate:   base + pathOrDefault(cfg.GeneratePath, defaultGeneratePath),
		probe:      base + pathOrDefault(cfg.ProbePath, defaultProbePath),
		apiKey:     cfg.APIKey,
		sampler:    cfg.Sampler,
		seed:       seed,
	}, nil
}

func (p *HTTP) Name() string {
	return KindHTTP
}

// Load checks that the server is reachable and has a model available.
func (p *HTTP) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probe, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe producer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe producer: status=%d", resp.StatusCode)
	}
	return nil
}

// Generate returns the first image of the response as encoded bytes.
func (p *HTTP) Generate(ctx context.Context, in pipeline.GenerateRequest) (any, error) {
	body, err := json.Marshal(txt2imgRequest{
		Prompt:         in.Prompt,
		NegativePrompt: in.NegativePrompt,
		Width:          in.Width,
		Height:         in.Height,
		CFGScale:       in.GuidanceScale,
		Steps:          in.InferenceSteps,
		SamplerName:    p.sampler,
		Seed:           p.seed,
		BatchSize:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.generate, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call producer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("producer returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out txt2imgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode producer response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, ErrNoImage
	}
	return decodeImagePayload(out.Images[0])
}

func (p *HTTP) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

// decodeImagePayload accepts bare base64 or a data URL.
func decodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, ErrNoImage
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	return data, nil
}

func pathOrDefault(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
