package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bravegeek/az-demand-vpn/internal/models"
	"github.com/bravegeek/az-demand-vpn/internal/provision"
)

// Client talks to the container-runtime bridge over HTTP JSON. Failure
// classification lives here, at the provider boundary: the orchestrator
// only ever sees the transient/fatal split.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type startUnitRequest struct {
	SessionID     string `json:"session_id"`
	OwnerID       string `json:"owner_id"`
	Addr          string `json:"addr"`
	ServerKey     string `json:"server_key"`
	PeerPublicKey string `json:"peer_public_key"`
	IdleSeconds   int64  `json:"idle_seconds"`
}

type startUnitResponse struct {
	Ref        string `json:"ref"`
	PublicAddr string `json:"public_addr"`
}

func (c *Client) StartUnit(ctx context.Context, sessionID string, params provision.StartParams) (provision.Endpoint, error) {
	body, err := json.Marshal(startUnitRequest{
		SessionID:     sessionID,
		OwnerID:       params.OwnerID,
		Addr:          params.Addr.String(),
		ServerKey:     params.ServerKey,
		PeerPublicKey: params.PeerPublicKey,
		IdleSeconds:   int64(params.IdleTimeout.Seconds()),
	})
	if err != nil {
		return provision.Endpoint{}, &models.FatalProviderError{Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/units", bytes.NewReader(body))
	if err != nil {
		return provision.Endpoint{}, &models.FatalProviderError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return provision.Endpoint{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return provision.Endpoint{}, classifyStatus(resp)
	}
	var unit startUnitResponse
	if err := json.NewDecoder(resp.Body).Decode(&unit); err != nil {
		return provision.Endpoint{}, &models.FatalProviderError{Cause: fmt.Errorf("malformed start response: %w", err)}
	}
	if unit.Ref == "" {
		return provision.Endpoint{}, &models.FatalProviderError{Cause: errors.New("start response missing unit ref")}
	}
	return provision.Endpoint{Ref: unit.Ref, PublicAddr: unit.PublicAddr}, nil
}

// StopUnit deletes the unit. A unit that is already gone is success:
// the delete is idempotent by contract.
func (c *Client) StopUnit(ctx context.Context, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/units/"+ref, nil)
	if err != nil {
		return &models.FatalProviderError{Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return classifyStatus(resp)
	}
}

type unitStatusResponse struct {
	Health string `json:"health"`
}

func (c *Client) UnitStatus(ctx context.Context, ref string) (provision.UnitHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/units/"+ref, nil)
	if err != nil {
		return provision.UnitUnknown, &models.FatalProviderError{Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provision.UnitUnknown, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return provision.UnitNotFound, nil
	}
	if resp.StatusCode != http.StatusOK {
		return provision.UnitUnknown, classifyStatus(resp)
	}
	var status unitStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return provision.UnitUnknown, &models.FatalProviderError{Cause: fmt.Errorf("malformed status response: %w", err)}
	}
	switch status.Health {
	case "healthy":
		return provision.UnitHealthy, nil
	case "degraded":
		return provision.UnitDegraded, nil
	default:
		return provision.UnitUnknown, nil
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &models.TransientProviderError{Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TransientProviderError{Cause: err}
	}
	// Connection refused and friends: the runtime may be restarting.
	return &models.TransientProviderError{Cause: err}
}

func classifyStatus(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("runtime returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusConflict:
		// Throttling, restarts and temporarily exhausted provider quota.
		return &models.TransientProviderError{Cause: cause}
	default:
		return &models.FatalProviderError{Cause: cause}
	}
}
