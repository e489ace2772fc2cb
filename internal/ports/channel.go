package ports

import "context"

// Message is a fully composed email ready to be transmitted.
type Message struct {
	// From is the envelope sender address
	From string

	// To is the envelope recipient address
	To string

	// Data is the RFC 5322 message, headers and body
	Data []byte
}

// ChannelDialer opens authenticated sessions on the outbound channel.
type ChannelDialer interface {
	// Open connects and authenticates.
	// Failures wrap domain.ErrConnection or domain.ErrAuth.
	Open(ctx context.Context) (Channel, error)
}

// Channel is one open, authenticated session.
type Channel interface {
	// Send transmits one message. Failures wrap domain.ErrSend.
	Send(ctx context.Context, msg Message) error

	// Close ends the session. It is best-effort: callers ignore the error
	// when the channel is already broken.
	Close() error
}
