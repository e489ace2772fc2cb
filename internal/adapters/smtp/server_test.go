package smtp

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"sync"
	"testing"
)

// fakeServer is a minimal plaintext SMTP server on 127.0.0.1.
type fakeServer struct {
	ln       net.Listener
	authMech string // advertised AUTH mechanisms; empty disables AUTH
	user     string
	pass     string

	mu       sync.Mutex
	conns    int
	quits    int
	messages []fakeMessage
}

type fakeMessage struct {
	from, to, data string
}

func newFakeServer(t *testing.T, authMech string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, authMech: authMech, user: "jornadas@example.org", pass: "secreto"}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) snapshot() (conns, quits int, msgs []fakeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns, s.quits, append([]fakeMessage{}, s.messages...)
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { conn.Write([]byte(line + "\r\n")) }
	readLine := func() (string, bool) {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}
	decode := func(s string) string {
		b, _ := base64.StdEncoding.DecodeString(s)
		return string(b)
	}

	reply("220 localhost ESMTP fake")
	var cur fakeMessage
	for {
		line, ok := readLine()
		if !ok {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			if s.authMech != "" {
				reply("250-localhost")
				reply("250 AUTH " + s.authMech)
			} else {
				reply("250 localhost")
			}
		case strings.HasPrefix(cmd, "AUTH PLAIN"):
			parts := strings.SplitN(decode(strings.TrimSpace(line[len("AUTH PLAIN"):])), "\x00", 3)
			if len(parts) == 3 && parts[1] == s.user && parts[2] == s.pass {
				reply("235 2.7.0 Authentication successful")
			} else {
				reply("535 5.7.8 Authentication credentials invalid")
			}
		case strings.HasPrefix(cmd, "AUTH LOGIN"):
			reply("334 " + base64.StdEncoding.EncodeToString([]byte("Username:")))
			u, ok := readLine()
			if !ok {
				return
			}
			reply("334 " + base64.StdEncoding.EncodeToString([]byte("Password:")))
			p, ok := readLine()
			if !ok {
				return
			}
			if decode(u) == s.user && decode(p) == s.pass {
				reply("235 2.7.0 Authentication successful")
			} else {
				reply("535 5.7.8 Authentication credentials invalid")
			}
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			cur = fakeMessage{from: strings.Trim(line[len("MAIL FROM:"):], "<> ")}
			reply("250 2.1.0 Ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			to := strings.Trim(line[len("RCPT TO:"):], "<> ")
			if strings.HasPrefix(to, "reject") {
				reply("550 5.1.1 Mailbox unavailable")
				continue
			}
			cur.to = to
			reply("250 2.1.5 Ok")
		case cmd == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var data strings.Builder
			for {
				l, ok := readLine()
				if !ok {
					return
				}
				if l == "." {
					break
				}
				data.WriteString(strings.TrimPrefix(l, ".") + "\r\n")
			}
			cur.data = data.String()
			s.mu.Lock()
			s.messages = append(s.messages, cur)
			s.mu.Unlock()
			reply("250 2.0.0 Ok: queued")
		case cmd == "RSET", cmd == "NOOP":
			reply("250 2.0.0 Ok")
		case cmd == "QUIT":
			s.mu.Lock()
			s.quits++
			s.mu.Unlock()
			reply("221 2.0.0 Bye")
			return
		default:
			reply("502 5.5.2 Command not recognized")
		}
	}
}
