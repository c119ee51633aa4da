package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kylelaker/smtp-proxy/internal/email"
	"github.com/kylelaker/smtp-proxy/internal/parser"
	"github.com/kylelaker/smtp-proxy/internal/relay"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// defaultIdleTimeout is the maximum time a session can remain idle before being closed.
const defaultIdleTimeout = 60 * time.Second

// defaultMaxMessageSize is the default maximum message size (25 MB).
const defaultMaxMessageSize = 25 * 1024 * 1024

// maxRecipients is the RFC 5321 minimum a server must accept per transaction.
const maxRecipients = 100

// maxLineLength bounds a command line, matching go-smtp's server default.
const maxLineLength = 2000

var errLineTooLong = errors.New("line too long")

// SessionConfig holds the per-connection limits of the front end.
type SessionConfig struct {
	Hostname       string
	MaxMessageSize int64
	IdleTimeout    time.Duration
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine. It never offers AUTH or STARTTLS: any client
// that can greet is allowed to submit mail.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   int
	relayer relay.Relayer
	config  SessionConfig
	logger  *slog.Logger

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, relayer relay.Relayer, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		relayer: relayer,
		config:  cfg,
		logger:  slog.With("remote", conn.RemoteAddr().String()),
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, the session idles out, or ctx is cancelled. Cancellation
// interrupts a blocked read; a relay already in progress is allowed to finish.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.writeLine("220 %s ESMTP smtp-proxy", s.config.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		// Checked after the deadline is set so a later cancellation's
		// wake-up deadline is not overwritten.
		if ctx.Err() != nil {
			s.writeLine("421 %s Service shutting down", s.config.Hostname)
			return
		}

		line, err := s.readLine(maxLineLength)
		if errors.Is(err, errLineTooLong) {
			s.writeLine("500 Line too long")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				s.writeLine("421 %s Service shutting down", s.config.Hostname)
			} else if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			s.writeLine("500 Empty command")
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx, arg)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 Cannot VRFY user, but will accept message and attempt delivery")
	case "HELP":
		s.writeLine("214 Commands: HELO EHLO MAIL RCPT DATA RSET NOOP QUIT")
	case "AUTH", "STARTTLS":
		s.writeLine("502 Command not implemented")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands. A greeting aborts any open
// transaction.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	// Neither AUTH nor STARTTLS is ever advertised.
	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)
	s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	s.writeLine("250-8BITMIME")
	s.writeLine("250 PIPELINING")
}

// handleMAIL processes the MAIL FROM command. The null reverse path <> is
// accepted.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Sender already specified")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params, ok := parsePath(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			s.writeLine("501 Syntax: SIZE=<number>")
			return
		}
		if n > s.config.MaxMessageSize {
			s.writeLine("552 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _, ok := parsePath(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	// Recipients form an ordered set.
	if slices.Contains(s.rcptTo, addr) {
		s.state = stateRcptTo
		s.writeLine("250 OK")
		return
	}

	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA receives the message, hands the envelope to the relay and
// only then replies. The reply never depends on the relay outcome.
// Returns true if the connection broke while reading.
// @MX:WARN: [AUTO] Relay runs inline; the client waits for the full upstream transaction
// @MX:REASON: The DATA reply is written only after Relay returns
func (s *Session) handleDATA(ctx context.Context, arg string) bool {
	if arg != "" {
		s.writeLine("501 Syntax: DATA")
		return false
	}
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	data, tooLarge, err := s.readData()
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		return true
	}
	if tooLarge {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}

	env := &email.Envelope{
		From: s.mailFrom,
		To:   s.rcptTo,
		Data: data,
	}
	s.resetTransaction()

	// Shutdown must not abort a relay whose message has been fully received.
	outcome := s.relayer.Relay(context.WithoutCancel(ctx), env)
	s.logOutcome(env, outcome)

	// The deadline armed while reading DATA may have passed during the relay.
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		s.logger.Error("failed to set connection deadline", "error", err)
		return true
	}
	s.writeLine("250 OK message accepted")
	return false
}

// readData reads lines until the lone "." terminator and removes dot
// stuffing. Once the size limit is passed the rest of the message is
// discarded so the session stays in sync with the client.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return nil, false, err
		}

		// A line longer than the remaining budget cannot fit; ".\r\n" always can.
		limit := 3
		if !tooLarge {
			limit += int(s.config.MaxMessageSize) - buf.Len()
		}
		line, err := s.readLine(limit)
		if errors.Is(err, errLineTooLong) {
			tooLarge = true
			buf.Reset()
			continue
		}
		if err != nil {
			return nil, false, err
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}

		// Dot-stuffing: a leading dot was doubled by the client
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.config.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	return buf.Bytes(), tooLarge, nil
}

// logOutcome records the result of a relay attempt. This is the only place
// a relay failure is visible.
func (s *Session) logOutcome(env *email.Envelope, outcome relay.Outcome) {
	attrs := []any{
		"relay", s.relayer.Name(),
		"from", env.From,
		"recipients", len(env.To),
		"size", env.Size(),
		"duration", outcome.Duration,
	}
	if summary, err := parser.Summarize(env.Data); err == nil {
		attrs = append(attrs,
			"message_id", summary.MessageID,
			"subject", summary.Subject,
			"header_from", summary.From,
		)
	}

	if outcome.Failed {
		attrs = append(attrs, "stage", string(outcome.Stage), "reason", outcome.Reason)
		s.logger.Error("relay failed", attrs...)
		return
	}
	s.logger.Info("message relayed", attrs...)
}

// readLine reads one line, terminator included, of at most limit bytes.
// A longer line is consumed to its end without being kept and reported as
// errLineTooLong.
func (s *Session) readLine(limit int) (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return string(line), nil
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		s.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// parsePath extracts the address and ESMTP parameters from a MAIL or RCPT
// argument, handling both angle-bracket and bare formats. An empty address
// is only valid as the null path "<>".
func parsePath(s string) (string, map[string]string, bool) {
	s = strings.TrimSpace(s)

	var addr, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		fields := strings.SplitN(s, " ", 2)
		addr = fields[0]
		if addr == "" {
			return "", nil, false
		}
		if len(fields) > 1 {
			rest = fields[1]
		}
	}

	if strings.ContainsAny(addr, " \t") {
		return "", nil, false
	}

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		key, value, _ := strings.Cut(p, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, true
}
