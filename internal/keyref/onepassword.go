package keyref

import (
	"context"
	"fmt"
	"time"

	onepassword "github.com/1password/onepassword-sdk-go"
)

// OnePassword resolves op:// references with a 1Password service account.
type OnePassword struct {
	client *onepassword.Client
}

func NewOnePassword(ctx context.Context, token, version string) (*OnePassword, error) {
	if token == "" {
		return nil, fmt.Errorf("service account token is required")
	}
	client, err := onepassword.NewClient(
		ctx,
		onepassword.WithServiceAccountToken(token),
		onepassword.WithIntegrationInfo("cloudmux", version),
	)
	if err != nil {
		return nil, fmt.Errorf("create 1password client: %w", err)
	}
	return &OnePassword{client: client}, nil
}

func (p *OnePassword) Resolve(ctx context.Context, ref string) (string, error) {
	val, err := p.client.Secrets().Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return val, nil
}

// Healthy lists vaults as a liveness probe and reports latency in ms.
func (p *OnePassword) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	_, err := p.client.Vaults().List(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}
