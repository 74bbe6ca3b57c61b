package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/model"
	"github.com/credpool/pool-server-go/internal/util"
)

// Provisioner issues brand new credentialed accounts. Implementations talk
// to an external registrar; a disabled provisioner reports Enabled() false
// and the pool serves from existing supply only.
type Provisioner interface {
	Provision(ctx context.Context, count int) ([]model.CreateAccountParams, error)
	Enabled() bool
}

// ProvisionerClient is the HTTP Provisioner implementation.
type ProvisionerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProvisionerClient(baseURL, apiKey string, timeout time.Duration) *ProvisionerClient {
	return &ProvisionerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *ProvisionerClient) Enabled() bool {
	return c.baseURL != ""
}

type provisionRequest struct {
	Count int `json:"count"`
}

type provisionResponse struct {
	Accounts []provisionedAccount `json:"accounts"`
}

type provisionedAccount struct {
	Email        string `json:"email"`
	LocalID      string `json:"local_id"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *ProvisionerClient) Provision(ctx context.Context, count int) ([]model.CreateAccountParams, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("provisioner not configured")
	}

	body, err := json.Marshal(provisionRequest{Count: count})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("provisioner request error")
		return nil, fmt.Errorf("provision request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read provision response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("provisioner returned error status")
		return nil, fmt.Errorf("provision failed with status %d", resp.StatusCode)
	}

	var provResp provisionResponse
	if err := json.Unmarshal(respBody, &provResp); err != nil {
		return nil, fmt.Errorf("decode provision response: %w", err)
	}

	params := make([]model.CreateAccountParams, 0, len(provResp.Accounts))
	for _, a := range provResp.Accounts {
		if a.RefreshToken == "" || !util.IsValidEmail(a.Email) {
			log.Warn().Str("email", util.MaskEmail(a.Email)).Msg("provisioner returned incomplete account, skipping")
			continue
		}
		params = append(params, model.CreateAccountParams{
			Email:        a.Email,
			LocalID:      a.LocalID,
			IDToken:      a.IDToken,
			RefreshToken: a.RefreshToken,
		})
	}

	log.Info().
		Int("requested", count).
		Int("received", len(params)).
		Dur("elapsed", elapsed).
		Msg("provisioner batch complete")

	return params, nil
}
