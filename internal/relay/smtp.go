package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/kylelaker/smtp-proxy/internal/config"
	"github.com/kylelaker/smtp-proxy/internal/email"
	smtptls "github.com/kylelaker/smtp-proxy/internal/tls"
)

var errAuthUnsupported = errors.New("upstream does not offer a supported AUTH mechanism")

// SMTPRelay relays envelopes over an authenticated SMTP session with the
// upstream server. It holds no connection state between calls.
// @MX:ANCHOR: [AUTO] External system integration point for the upstream SMTP server
// @MX:REASON: Every relayed envelope opens its own connection here, never pooled
type SMTPRelay struct {
	proxy     config.ProxyConfig
	tlsConfig *tls.Config
}

// NewSMTP creates an SMTPRelay for the given upstream configuration,
// verifying the upstream certificate against the system roots.
func NewSMTP(proxy config.ProxyConfig) *SMTPRelay {
	return NewSMTPWithTLSConfig(proxy, smtptls.ClientConfig(proxy.Hostname))
}

// NewSMTPWithTLSConfig creates an SMTPRelay with a custom TLS configuration,
// used for testing.
func NewSMTPWithTLSConfig(proxy config.ProxyConfig, tlsConfig *tls.Config) *SMTPRelay {
	if proxy.TLS == config.TLSPlain {
		slog.Warn("upstream TLS disabled, credentials will be sent in plaintext",
			"upstream", proxy.Address(),
		)
	}
	return &SMTPRelay{
		proxy:     proxy,
		tlsConfig: tlsConfig,
	}
}

// Name returns the relay name.
func (r *SMTPRelay) Name() string {
	return "smtp"
}

// Relay performs connect, optional TLS, login, send and quit against the
// upstream server. The connection is closed on every path.
func (r *SMTPRelay) Relay(ctx context.Context, env *email.Envelope) Outcome {
	start := time.Now()

	if r.proxy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.proxy.Timeout)
		defer cancel()
	}

	stage, err := r.send(ctx, env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return failed(start, stage, err)
	}
	return succeeded(start)
}

func (r *SMTPRelay) send(ctx context.Context, env *email.Envelope) (Stage, error) {
	conn, stage, err := r.dial(ctx)
	if err != nil {
		return stage, err
	}

	// go-smtp arms its own per-command deadlines, so the relay timeout is
	// enforced by closing the connection.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	var client *smtp.Client
	if r.proxy.TLS == config.TLSStartTLS {
		// The pre-TLS EHLO goes out as "localhost"; proxy.helo is sent
		// once the channel is encrypted. Nothing else precedes the upgrade.
		client, err = smtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			conn.Close()
			return StageStartTLS, err
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	// Backstop only; the context deadline fires first and closes the conn.
	if deadline, ok := ctx.Deadline(); ok {
		limit := time.Until(deadline) + time.Second
		client.CommandTimeout = limit
		client.SubmissionTimeout = limit
	}

	if err := client.Hello(r.proxy.Helo); err != nil {
		return StageHello, err
	}

	if err := r.authenticate(client); err != nil {
		return StageAuth, err
	}

	if err := client.Mail(env.From, nil); err != nil {
		return StageMail, err
	}
	for _, rcpt := range env.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return StageRcpt, fmt.Errorf("recipient %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return StageData, err
	}
	if _, err := w.Write(env.Data); err != nil {
		w.Close()
		return StageData, err
	}
	if err := w.Close(); err != nil {
		return StageData, err
	}

	// The upstream has accepted the message once DATA completes, so a
	// failed QUIT is not a delivery failure.
	if err := client.Quit(); err != nil {
		slog.Warn("upstream QUIT failed after message was accepted",
			"upstream", r.proxy.Address(),
			"error", err,
		)
	}
	return "", nil
}

// dial opens a new connection to the upstream server. In implicit mode the
// TLS handshake completes before the connection is returned.
func (r *SMTPRelay) dial(ctx context.Context) (net.Conn, Stage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.proxy.Address())
	if err != nil {
		return nil, StageConnect, err
	}

	if r.proxy.TLS != config.TLSImplicit {
		return conn, "", nil
	}

	tlsConn := tls.Client(conn, r.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, StageTLS, err
	}
	return tlsConn, "", nil
}

// authenticate logs in with the mechanism the upstream offers, preferring
// PLAIN over LOGIN.
func (r *SMTPRelay) authenticate(client *smtp.Client) error {
	ok, params := client.Extension("AUTH")
	if !ok {
		return errAuthUnsupported
	}

	var mechanisms []string
	for _, m := range strings.Fields(params) {
		mechanisms = append(mechanisms, strings.ToUpper(m))
	}

	switch {
	case slices.Contains(mechanisms, sasl.Plain):
		return client.Auth(sasl.NewPlainClient("", r.proxy.Username, r.proxy.Password))
	case slices.Contains(mechanisms, sasl.Login):
		return client.Auth(sasl.NewLoginClient(r.proxy.Username, r.proxy.Password))
	}
	return fmt.Errorf("%w: offered %q", errAuthUnsupported, params)
}
