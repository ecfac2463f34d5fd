// Package awsconf loads shared AWS SDK configuration for the SQS and S3 clients.
package awsconf

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Options overrides the SDK's default credential and region chain.
type Options struct {
	Region string
	// EndpointURL points clients at an emulator such as LocalStack.
	EndpointURL string
}

// Load resolves AWS configuration from the environment and opts.
func Load(ctx context.Context, opts Options) (aws.Config, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(opts.Region); region != "" {
		loaders = append(loaders, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if endpoint := strings.TrimSpace(opts.EndpointURL); endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}
