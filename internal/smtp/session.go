package smtp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mailgate/internal/auth"
	"github.com/shineum/mailgate/internal/inbox"
	"github.com/shineum/mailgate/internal/metrics"
	"github.com/shineum/mailgate/internal/parser"
)

// sessionState tracks where a connection is in the SMTP dialogue.
type sessionState int

const (
	stateConnected sessionState = iota
	stateAnonymous
	stateAuthenticated
	stateSenderSet
	stateRecipientsSet
	stateReceivingData
	statePersisted
)

func (s sessionState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateAnonymous:
		return "anonymous"
	case stateAuthenticated:
		return "authenticated"
	case stateSenderSet:
		return "sender_set"
	case stateRecipientsSet:
		return "recipients_set"
	case stateReceivingData:
		return "receiving_data"
	case statePersisted:
		return "persisted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrMessageTooLarge is returned when a DATA body exceeds the limit.
	ErrMessageTooLarge = gosmtp.ErrDataTooLarge

	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errUnknownMechanism = &gosmtp.SMTPError{
		Code:         504,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
	errNeedMail = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "MAIL FROM required first",
	}
	errNeedRcpt = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "RCPT TO required first",
	}
	errInvalidCredentials = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errBadSender = &gosmtp.SMTPError{
		Code:         553,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 7},
		Message:      "Malformed sender address",
	}
	errBadRecipient = &gosmtp.SMTPError{
		Code:         553,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "Malformed recipient address",
	}
	errMessageTimeout = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 4, 2},
		Message:      "Timed out receiving message",
	}
	errParse = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 6, 0},
		Message:      "Message could not be parsed, try again later",
	}
	errStorage = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Message could not be stored, try again later",
	}
)

// session handles one client connection. go-smtp calls its methods from a
// single goroutine.
type session struct {
	server *Server
	conn   net.Conn
	remote string
	log    *slog.Logger

	state    sessionState
	user     string
	mailFrom string
	rcptTo   []string
}

func newSession(srv *Server, remote string, conn net.Conn) *session {
	metrics.InboundSessions.Inc()
	s := &session{
		server: srv,
		conn:   conn,
		remote: remote,
		log:    slog.With("remote", remote),
		state:  stateConnected,
	}
	if !srv.config.AuthRequired {
		s.state = stateAnonymous
	}
	s.log.Debug("SMTP session opened", "state", s.state)
	return s
}

// AuthMechanisms returns nil when auth is not required, which keeps AUTH
// out of the EHLO response.
func (s *session) AuthMechanisms() []string {
	if !s.server.config.AuthRequired || s.server.users == nil {
		return nil
	}
	return auth.Mechanisms
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if s.server.users == nil {
		return nil, gosmtp.ErrAuthUnsupported
	}
	inner, err := s.server.users.NewServer(mech, func(username string) {
		s.user = username
		s.state = stateAuthenticated
		metrics.InboundAuth.WithLabelValues("ok").Inc()
		s.log.Info("SMTP authentication successful", "user", username, "mechanism", mech)
	})
	if err != nil {
		return nil, errUnknownMechanism
	}
	return &authServer{Server: inner, session: s, mech: mech}, nil
}

// authServer maps credential failures to a 535 reply.
type authServer struct {
	sasl.Server
	session *session
	mech    string
}

func (a *authServer) Next(response []byte) ([]byte, bool, error) {
	challenge, done, err := a.Server.Next(response)
	if err != nil {
		metrics.InboundAuth.WithLabelValues("badcreds").Inc()
		a.session.log.Warn("SMTP authentication failed", "mechanism", a.mech, "error", err)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, false, errInvalidCredentials
		}
	}
	return challenge, done, err
}

func (s *session) requireAuth() error {
	if s.server.config.AuthRequired && s.user == "" {
		return errAuthRequired
	}
	return nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	// The null reverse-path is allowed for bounces.
	if from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			return errBadSender
		}
	}
	s.mailFrom = from
	s.rcptTo = nil
	s.state = stateSenderSet
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if s.state != stateSenderSet && s.state != stateRecipientsSet {
		return errNeedMail
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return errBadRecipient
	}
	if len(s.rcptTo) >= s.server.config.MaxRecipients {
		return &gosmtp.SMTPError{
			Code:         452,
			EnhancedCode: gosmtp.EnhancedCode{4, 5, 3},
			Message:      fmt.Sprintf("Maximum limit of %d recipients reached", s.server.config.MaxRecipients),
		}
	}
	s.rcptTo = append(s.rcptTo, to)
	s.state = stateRecipientsSet
	return nil
}

// Data reads the body, parses it and persists it. The client is only
// acknowledged once the record is stored.
func (s *session) Data(r io.Reader) (err error) {
	if s.state != stateRecipientsSet {
		return errNeedRcpt
	}
	s.state = stateReceivingData

	defer func() {
		if rec := recover(); rec != nil {
			metrics.InboundMessages.WithLabelValues("parseerror").Inc()
			s.log.Error("panic while handling message", "panic", rec, "stack", string(debug.Stack()))
			err = errParse
		}
		if err != nil {
			s.state = stateRecipientsSet
		}
	}()

	if s.conn != nil {
		s.conn.SetReadDeadline(time.Now().Add(s.server.config.MessageTimeout))
	}

	limit := s.server.config.MaxMessageBytes
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	switch {
	case errors.Is(err, gosmtp.ErrDataTooLarge) || (err == nil && int64(len(raw)) > limit):
		metrics.InboundMessages.WithLabelValues("toolarge").Inc()
		s.log.Warn("message exceeds size limit", "limit", limit)
		return ErrMessageTooLarge
	case isTimeout(err):
		metrics.InboundMessages.WithLabelValues("timeout").Inc()
		s.log.Warn("timed out receiving message", "timeout", s.server.config.MessageTimeout)
		return errMessageTimeout
	case err != nil:
		s.log.Warn("failed to read message data", "error", err)
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("parseerror").Inc()
		s.log.Error("failed to parse message", "error", err)
		return errParse
	}

	msg.ID = inbox.NewID()
	msg.Envelope = inbox.Envelope{
		MailFrom: s.mailFrom,
		RcptTo:   append([]string(nil), s.rcptTo...),
	}
	msg.ReceivedAt = time.Now().UTC()
	msg.Session = inbox.SessionInfo{RemoteAddress: s.remote, User: s.user}

	// Use envelope values if headers are missing.
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = append([]string(nil), s.rcptTo...)
	}

	if err := s.server.store.Append(msg); err != nil {
		metrics.InboundMessages.WithLabelValues("storeerror").Inc()
		s.log.Error("failed to store message", "message_id", msg.ID, "error", err)
		return errStorage
	}

	s.state = statePersisted
	metrics.InboundMessages.WithLabelValues("stored").Inc()
	metrics.InboundSize.Observe(float64(msg.Size))
	s.log.Info("message stored",
		"message_id", msg.ID,
		"from", s.mailFrom,
		"recipients", len(s.rcptTo),
		"size", msg.Size,
		"attachments", len(msg.Attachments),
	)
	return nil
}

// Reset discards the current transaction but keeps the authentication.
func (s *session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.user != "" {
		s.state = stateAuthenticated
	} else if s.server.config.AuthRequired {
		s.state = stateConnected
	} else {
		s.state = stateAnonymous
	}
}

func (s *session) Logout() error {
	s.log.Debug("SMTP session closed", "user", s.user)
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ gosmtp.AuthSession = (*session)(nil)
