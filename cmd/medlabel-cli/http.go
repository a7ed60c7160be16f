package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	goahttp "goa.design/goa/v3/http"

	"medlabel/internal/services"
)

func doHTTP(ctx context.Context, addr, token string, debug bool, req *services.ExecuteRequest) (*services.ExecuteResponse, error) {
	var (
		doer goahttp.Doer
	)
	{
		doer = &http.Client{}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+"/api/v1/commands", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	if err := goahttp.RequestEncoder(r).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := doer.Do(r)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if d, ok := doer.(goahttp.DebugDoer); ok {
		d.Fprint(os.Stderr)
	}

	var out services.ExecuteResponse
	if err := goahttp.ResponseDecoder(resp).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
