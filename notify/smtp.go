package notify

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledger-project/logger"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultAttempts = 3

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails notifications in the background, retrying failed
// deliveries with exponential backoff.
type SMTPNotifier struct {
	cfg      SMTPConfig
	send     SendFunc
	attempts int
	backoff  backoff.Backoff

	wg sync.WaitGroup
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:      cfg,
		send:     smtp.SendMail,
		attempts: defaultAttempts,
		backoff: backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (n *SMTPNotifier) Notify(subject, body string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if err := n.deliver(subject, body); err != nil {
			logger.Logger.Error("Notification delivery failed",
				zap.String("subject", subject), zap.Strings("to", n.cfg.To), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *SMTPNotifier) Wait() {
	n.wg.Wait()
}

func (n *SMTPNotifier) deliver(subject, body string) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	msg := n.message(subject, body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	// each delivery gets its own schedule
	b := n.backoff
	var err error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err = n.send(addr, auth, n.cfg.From, n.cfg.To, msg); err == nil {
			return nil
		}
		if attempt < n.attempts {
			d := b.Duration()
			logger.Logger.Warn("Notification delivery retry",
				zap.Int("attempt", attempt), zap.Duration("wait", d), zap.Error(err))
			time.Sleep(d)
		}
	}
	return errors.Wrapf(err, "sending mail via %s after %d attempts", addr, n.attempts)
}

func (n *SMTPNotifier) message(subject, body string) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(body)
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
