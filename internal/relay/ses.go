package relay

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/kylelaker/smtp-proxy/internal/config"
	"github.com/kylelaker/smtp-proxy/internal/email"
)

// SESRelay relays envelopes through the AWS SES v2 raw-message API.
// @MX:ANCHOR: [AUTO] External system integration point for AWS SES
// @MX:REASON: All email delivery flows through this relay when proxy.api is ses
type SESRelay struct {
	client  SendEmailAPI
	timeout time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// NewSES creates an SESRelay. The proxy hostname and port form the API
// endpoint and the proxy credentials are used as a static access key.
// SDK retries are disabled so each envelope gets exactly one attempt.
func NewSES(ctx context.Context, proxy config.ProxyConfig) (*SESRelay, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(proxy.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(proxy.Username, proxy.Password, ""),
		),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := sesEndpoint(proxy)
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &SESRelay{
		client:  client,
		timeout: proxy.Timeout,
	}, nil
}

// NewSESWithClient creates an SESRelay with a custom client, used for testing.
func NewSESWithClient(client SendEmailAPI) *SESRelay {
	return &SESRelay{client: client}
}

// Name returns the relay name.
func (s *SESRelay) Name() string {
	return "ses"
}

// Relay submits the raw message with the envelope recipients as destinations.
func (s *SESRelay) Relay(ctx context.Context, env *email.Envelope) Outcome {
	start := time.Now()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: env.Data,
			},
		},
	}
	if env.From != "" {
		input.FromEmailAddress = aws.String(env.From)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return failed(start, StageAPI, fmt.Errorf("SES API request failed: %w", err))
	}
	return succeeded(start)
}

// sesEndpoint builds the API base URL. Implicit TLS selects https.
func sesEndpoint(proxy config.ProxyConfig) string {
	scheme := "http"
	if proxy.TLS == config.TLSImplicit {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: proxy.Address()}
	return u.String()
}
