// Package relay forwards completed envelopes to the upstream mail service.
// Every call makes exactly one attempt over a fresh connection; failures are
// reported in the returned Outcome and never retried.
package relay

import (
	"context"
	"time"

	"github.com/kylelaker/smtp-proxy/internal/email"
)

// Relayer is implemented by every upstream delivery method. The SMTP front
// end depends only on this interface.
type Relayer interface {
	// Relay makes one delivery attempt for env. It must not retain env
	// after returning.
	Relay(ctx context.Context, env *email.Envelope) Outcome

	// Name returns the human-readable name of this relay.
	Name() string
}

// Stage names the step of a relay attempt that failed.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageTLS      Stage = "tls"
	StageHello    Stage = "hello"
	StageStartTLS Stage = "starttls"
	StageAuth     Stage = "auth"
	StageMail     Stage = "mail"
	StageRcpt     Stage = "rcpt"
	StageData     Stage = "data"
	StageAPI      Stage = "api"
)

// Outcome is the result of a single relay attempt.
type Outcome struct {
	Failed   bool
	Stage    Stage
	Reason   string
	Err      error
	Duration time.Duration
}

func succeeded(start time.Time) Outcome {
	return Outcome{Duration: time.Since(start)}
}

func failed(start time.Time, stage Stage, err error) Outcome {
	return Outcome{
		Failed:   true,
		Stage:    stage,
		Reason:   err.Error(),
		Err:      err,
		Duration: time.Since(start),
	}
}
