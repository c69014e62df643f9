package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const DefaultHuggingFaceEndpoint = "https://api-inference.huggingface.co/models/gpt2"

// HuggingFace calls a hosted text-generation model over the inference API.
type HuggingFace struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHuggingFace(endpoint, apiKey string, client *http.Client) *HuggingFace {
	if endpoint == "" {
		endpoint = DefaultHuggingFaceEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HuggingFace{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (h *HuggingFace) Name() string { return ProviderHuggingFace }

func (h *HuggingFace) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(map[string]string{"inputs": prompt})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("huggingface: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("huggingface: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("huggingface: unexpected status %d", resp.StatusCode)
	}

	var generations []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &generations); err == nil {
		if len(generations) == 0 {
			return "", fmt.Errorf("huggingface: empty generation")
		}
		return generations[0].GeneratedText, nil
	}

	// Some models answer with a single object instead of a list.
	var single struct {
		GeneratedText *string `json:"generated_text"`
		Error         string  `json:"error"`
	}
	if err := json.Unmarshal(body, &single); err != nil {
		return "", fmt.Errorf("huggingface: decode response: %w", err)
	}
	if single.Error != "" {
		return "", fmt.Errorf("huggingface: %s", single.Error)
	}
	if single.GeneratedText == nil {
		return "", fmt.Errorf("huggingface: response has no generated_text")
	}
	return *single.GeneratedText, nil
}

func (h *HuggingFace) Close() error { return nil }
