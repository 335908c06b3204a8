package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

type apiClient struct {
	baseURL string
	http    *http.Client
	token   string
}

func (c *apiClient) do(ctx context.Context, method, path, idempotencyKey string, body any) (*http.Response, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.http.Do(req)
}

func (c *apiClient) login(ctx context.Context, email, password string) error {
	resp, err := c.do(ctx, http.MethodPost, "/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	c.token = tokens.AccessToken
	return nil
}

func (c *apiClient) createOrder(ctx context.Context, clientID int64, productIDs []int64, key string) (int64, int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/orders", key, map[string]any{
		"client_id":   clientID,
		"product_ids": productIDs,
	})
	if err != nil {
		return 0, 0, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return 0, resp.StatusCode, nil
	}

	var order struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return 0, resp.StatusCode, fmt.Errorf("decode order: %w", err)
	}
	return order.ID, resp.StatusCode, nil
}

func (c *apiClient) getOrder(ctx context.Context, id int64) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/orders/"+strconv.FormatInt(id, 10), "", nil)
	if err != nil {
		return 0, err
	}
	drain(resp.Body)
	return resp.StatusCode, nil
}
