// Package smtp implements the outbound channel over SMTP and the MIME
// composer for certificate messages.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netsmtp "net/smtp"
	"strconv"
	"time"

	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/domain"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// DefaultTimeout bounds dial, handshake and every send.
const DefaultTimeout = 30 * time.Second

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout applies to the dial, the handshake and each transaction
	Timeout time.Duration

	// InsecureSkipVerify disables certificate verification on STARTTLS
	InsecureSkipVerify bool
}

// Dialer implements ports.ChannelDialer. Each Open returns a fresh,
// authenticated connection.
type Dialer struct {
	cfg    Config
	logger ports.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer creates a dialer for cfg.
func NewDialer(cfg Config, logger ports.Logger) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &Dialer{cfg: cfg, logger: logger, dial: d.DialContext}
}

// Open dials the server, upgrades with STARTTLS (or uses implicit TLS on
// port 465) and authenticates. Network and TLS failures wrap
// domain.ErrConnection; rejected credentials wrap domain.ErrAuth.
func (d *Dialer) Open(ctx context.Context) (ports.Channel, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         d.cfg.Host,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	conn, err := d.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrConnection, addr, err)
	}

	implicitTLS := d.cfg.Port == 465
	if implicitTLS {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", domain.ErrConnection, err)
		}
		conn = tc
	}

	_ = conn.SetDeadline(deadline(ctx, d.cfg.Timeout))

	client, err := netsmtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: greeting: %v", domain.ErrConnection, err)
	}

	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("%w: starttls: %v", domain.ErrConnection, err)
			}
		} else if !isLocalhost(d.cfg.Host) {
			client.Close()
			return nil, fmt.Errorf("%w: %s does not offer STARTTLS", domain.ErrConnection, addr)
		}
	}

	if d.cfg.Username != "" {
		ok, mechs := client.Extension("AUTH")
		if !ok {
			client.Close()
			return nil, fmt.Errorf("%w: server does not offer AUTH", domain.ErrAuth)
		}
		auth, err := chooseAuth(mechs, d.cfg.Username, d.cfg.Password, d.cfg.Host)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrAuth, err)
		}
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrAuth, err)
		}
	}

	_ = conn.SetDeadline(time.Time{})

	d.logger.Debug("smtp connection established", ports.String("addr", addr))
	return &channel{client: client, conn: conn, timeout: d.cfg.Timeout}, nil
}

// channel is one authenticated SMTP connection.
type channel struct {
	client  *netsmtp.Client
	conn    net.Conn
	timeout time.Duration
}

// Send runs one MAIL/RCPT/DATA transaction.
func (c *channel) Send(ctx context.Context, msg ports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetDeadline(deadline(ctx, c.timeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.client.Mail(msg.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %v", domain.ErrSend, err)
	}
	if err := c.client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("%w: RCPT TO %s: %v", domain.ErrSend, msg.To, err)
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %v", domain.ErrSend, err)
	}
	if _, err := w.Write(msg.Data); err != nil {
		w.Close()
		return fmt.Errorf("%w: write body: %v", domain.ErrSend, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: end DATA: %v", domain.ErrSend, err)
	}
	return nil
}

// Close sends QUIT and releases the connection.
func (c *channel) Close() error {
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	err := c.client.Quit()
	if err != nil {
		closeErr := c.client.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
		return errors.Join(err, closeErr)
	}
	return nil
}

// deadline returns the earlier of now+timeout and the context deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

var _ ports.ChannelDialer = (*Dialer)(nil)
