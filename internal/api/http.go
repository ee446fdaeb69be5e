// Package api is the HTTP client for the chat server's side endpoints: the
// public-key registry and message history.
//
// All requests are JSON over HTTP, accept a context for cancellation, and
// carry the session token as a bearer token when one is configured.
// Non-2xx statuses are returned as errors naming the method, path and
// status.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/omochice/resilient-chat/internal/keyexchange"
)

// HTTPClient talks to the key registry and history endpoints over HTTP.
// Token, when set, is sent as a bearer token.
type HTTPClient struct {
	Base  string
	Token string
	HTTP  *http.Client
}

// NewHTTP creates a client for base. A nil hc means http.DefaultClient.
func NewHTTP(base, token string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{Base: base, Token: token, HTTP: hc}
}

var _ keyexchange.Registry = (*HTTPClient)(nil)

type exchangeKeyRequest struct {
	ChatID    string `json:"chat_id"`
	ClientID  string `json:"client_id"`
	PublicKey string `json:"public_key"`
}

type exchangeKeyResponse struct {
	Success bool `json:"success"`
}

type peerKeysResponse struct {
	PublicKeys []keyexchange.PeerKey `json:"public_keys"`
}

type messagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// ExchangeKey publishes publicKey for clientID in chatID and reports the
// registry's acknowledgement.
func (c *HTTPClient) ExchangeKey(ctx context.Context, chatID, clientID, publicKey string) (bool, error) {
	var out exchangeKeyResponse
	err := c.post(ctx, "/exchange-key", exchangeKeyRequest{
		ChatID:    chatID,
		ClientID:  clientID,
		PublicKey: publicKey,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Success, nil
}

// PeerKeys lists the public keys registered in chatID.
func (c *HTTPClient) PeerKeys(ctx context.Context, chatID string) ([]keyexchange.PeerKey, error) {
	var out peerKeysResponse
	if err := c.getJSON(ctx, "/get-peer-keys?chat_id="+url.QueryEscape(chatID), &out); err != nil {
		return nil, err
	}
	return out.PublicKeys, nil
}

// Messages returns the stored history of chatID as raw inbound frames,
// oldest first.
func (c *HTTPClient) Messages(ctx context.Context, chatID string) ([]json.RawMessage, error) {
	var out messagesResponse
	if err := c.getJSON(ctx, "/messages?chat_id="+url.QueryEscape(chatID), &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, path, out)
}

func (c *HTTPClient) do(req *http.Request, path string, out any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("api %s %s: %s", req.Method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
