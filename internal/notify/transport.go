// Package notify decides which centers each recipient should hear about and
// hands the resulting messages to a delivery transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

const (
	subjectSlots   = "Vaccine slots available"
	subjectWelcome = "Subscribed to vaccine slot alerts"
)

// ErrMissingCredentials is returned when a transport lacks what it needs to
// deliver anything.
var ErrMissingCredentials = errors.New("missing delivery credentials")

// Transport delivers one notification to one recipient.
type Transport interface {
	Name() string
	Send(ctx context.Context, recipient string, centers []string) error
}

// Welcomer is implemented by transports that greet a recipient once, the
// first time it is seen.
type Welcomer interface {
	Welcome(ctx context.Context, recipient string, regions []string) error
}

// FormatMessage renders the body sent for a batch of centers, one center
// per line in the given order.
func FormatMessage(centers []string) string {
	var b strings.Builder
	b.WriteString("Vaccination slots are open at:\n")
	for _, c := range centers {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\nBook at https://selfregistration.cowin.gov.in/")
	return b.String()
}

// FormatWelcome renders the one-time welcome body.
func FormatWelcome(regions []string) string {
	return fmt.Sprintf("You will be notified when vaccination slots open in: %s.", strings.Join(regions, ", "))
}

// LogTransport only logs notifications. It is the SMS channel of the
// notifier and the dry-run fallback for email.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport returns a transport writing to logger.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, recipient string, centers []string) error {
	t.logger.Info(fmt.Sprintf("notify %s of %v", recipient, centers), "recipient", recipient, "centers", len(centers))
	return nil
}

// sender is the part of shoutrrr's router used for delivery.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// SMTPConfig holds the mail account used by EmailTransport.
type SMTPConfig struct {
	Host     string // host:port
	User     string
	Password string
	Timeout  time.Duration
}

// EmailTransport sends mail through shoutrrr's smtp service.
type EmailTransport struct {
	cfg       SMTPConfig
	logger    *slog.Logger
	newSender func(rawURL string) (sender, error)
}

// NewEmailTransport validates cfg and returns a transport. It fails with
// ErrMissingCredentials when user or password are empty.
func NewEmailTransport(cfg SMTPConfig, logger *slog.Logger) (*EmailTransport, error) {
	if cfg.User == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	if _, _, err := net.SplitHostPort(cfg.Host); err != nil {
		return nil, fmt.Errorf("smtp host %q: %w", cfg.Host, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	return &EmailTransport{
		cfg:    cfg,
		logger: logger,
		newSender: func(rawURL string) (sender, error) {
			s, err := shoutrrr.CreateSender(rawURL)
			if err != nil {
				return nil, err
			}
			if timeout > 0 {
				s.Timeout = timeout
			}
			s.SetLogger(log.New(io.Discard, "", 0))
			return s, nil
		},
	}, nil
}

func (t *EmailTransport) Name() string { return "email" }

// serviceURL builds the shoutrrr smtp URL for one recipient.
func (t *EmailTransport) serviceURL(recipient string) string {
	q := url.Values{}
	q.Set("from", t.cfg.User)
	q.Set("to", recipient)
	q.Set("auth", "Plain")
	u := url.URL{
		Scheme:   "smtp",
		User:     url.UserPassword(t.cfg.User, t.cfg.Password),
		Host:     t.cfg.Host,
		Path:     "/",
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (t *EmailTransport) deliver(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := t.newSender(t.serviceURL(recipient))
	if err != nil {
		// the URL carries the password, so only the recipient is reported
		return fmt.Errorf("create email sender for %s: invalid smtp configuration", recipient)
	}
	params := stypes.Params{}
	params.SetTitle(subject)
	for _, e := range s.Send(body, &params) {
		if e != nil {
			return fmt.Errorf("email %s: %w", recipient, e)
		}
	}
	t.logger.Debug("email sent", "recipient", recipient, "subject", subject)
	return nil
}

func (t *EmailTransport) Send(ctx context.Context, recipient string, centers []string) error {
	return t.deliver(ctx, recipient, subjectSlots, FormatMessage(centers))
}

func (t *EmailTransport) Welcome(ctx context.Context, recipient string, regions []string) error {
	return t.deliver(ctx, recipient, subjectWelcome, FormatWelcome(regions))
}
