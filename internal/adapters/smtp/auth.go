package smtp

import (
	"errors"
	"fmt"
	netsmtp "net/smtp"
	"strings"
)

// loginAuth implements the LOGIN mechanism, the only one some Exchange
// deployments advertise.
type loginAuth struct {
	username, password, host string
}

// LoginAuth returns an Auth that implements the LOGIN mechanism. Like
// net/smtp.PlainAuth it refuses to send credentials over an unencrypted
// connection unless the server is localhost.
func LoginAuth(username, password, host string) netsmtp.Auth {
	return &loginAuth{username: username, password: password, host: host}
}

func (a *loginAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("wrong host name")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:", "user name":
		return []byte(a.username), nil
	case "password:", "password":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
	}
}

// chooseAuth picks PLAIN when advertised, LOGIN otherwise.
func chooseAuth(advertised, username, password, host string) (netsmtp.Auth, error) {
	mechs := strings.Fields(strings.ToUpper(advertised))
	has := func(m string) bool {
		for _, x := range mechs {
			if x == m {
				return true
			}
		}
		return false
	}

	switch {
	case has("PLAIN"):
		return netsmtp.PlainAuth("", username, password, host), nil
	case has("LOGIN"):
		return LoginAuth(username, password, host), nil
	default:
		return nil, fmt.Errorf("no supported auth mechanism in %q", advertised)
	}
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}
