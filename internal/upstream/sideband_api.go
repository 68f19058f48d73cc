package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/psds-microservice/realtime-relay/internal/errs"
)

// ephemeralKeyPayload is the client_secrets request body.
type ephemeralKeyPayload struct {
	Session struct {
		Type         string `json:"type"`
		Model        string `json:"model"`
		Instructions string `json:"instructions,omitempty"`
		Audio        *struct {
			Output struct {
				Voice string `json:"voice"`
			} `json:"output"`
		} `json:"audio,omitempty"`
	} `json:"session"`
}

// IssueEphemeralKey obtains a short-lived token for peer-to-peer
// negotiation. The token is owned by the caller's request lifetime and
// is never cached here.
func (c *Connector) IssueEphemeralKey(ctx context.Context, voice, instructions string) (string, error) {
	payload := ephemeralKeyPayload{}
	payload.Session.Type = "realtime"
	payload.Session.Model = c.deployment
	payload.Session.Instructions = instructions
	if voice != "" {
		payload.Session.Audio = &struct {
			Output struct {
				Voice string `json:"voice"`
			} `json:"output"`
		}{}
		payload.Session.Audio.Output.Voice = voice
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal client_secrets payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase()+"/v1/realtime/client_secrets", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	for k, v := range c.AuthHeader() {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: client_secrets: %v", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: client_secrets status %d: %s", errs.ErrUpstreamUnavailable, resp.StatusCode, detail)
	}

	var out struct {
		Value string `json:"value"`
		// OpenAI direct returns the token nested instead.
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode client_secrets response: %v", errs.ErrUpstreamUnavailable, err)
	}
	token := out.Value
	if token == "" {
		token = out.ClientSecret.Value
	}
	if token == "" {
		return "", fmt.Errorf("%w: no ephemeral key in response", errs.ErrUpstreamUnavailable)
	}
	c.log.Info("ephemeral key issued", zap.String("token", MaskToken(token)))
	return token, nil
}

// ExchangeOffer forwards a peer-to-peer SDP offer to the upstream
// call-negotiation endpoint. It returns the SDP answer verbatim and the
// upstream-assigned call id (taken from the Location header of the 201).
func (c *Connector) ExchangeOffer(ctx context.Context, sdpOffer string) (answer, callID string, err error) {
	// The call endpoint only accepts the ephemeral bearer, not the
	// long-lived credential.
	token, err := c.IssueEphemeralKey(ctx, "alloy", "")
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.restBase()+"/v1/realtime/calls", strings.NewReader(sdpOffer))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: calls: %v", errs.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("%w: calls status %d: %s", errs.ErrUpstreamRejected, resp.StatusCode, detail)
	}

	location := resp.Header.Get("Location")
	if i := strings.LastIndex(location, "/"); i >= 0 {
		callID = location[i+1:]
	} else {
		callID = location
	}
	if callID == "" {
		return "", "", fmt.Errorf("%w: no call id in Location header", errs.ErrUpstreamRejected)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("%w: read answer: %v", errs.ErrUpstreamUnavailable, err)
	}
	c.log.Info("offer exchanged", zap.String("call_id", callID))
	return string(body), callID, nil
}

func (c *Connector) restBase() string {
	return strings.TrimSuffix(c.endpoint, "/") + "/openai"
}
