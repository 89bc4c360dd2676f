package pool

import (
	"net/url"
	"strconv"

	"codeberg.org/mutker/axectl/internal/errors"
)

// Endpoint is a parsed candidate address.
type Endpoint struct {
	URL  string
	Host string
	Port int
	Role string
}

// ParseURL parses a stratum endpoint of the form stratum+tcp://host:port.
func ParseURL(raw string) (Endpoint, error) {
	errFactory := errors.New()

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, errFactory.Wrap(ErrInvalidURL, err)
	}
	if u.Scheme != "stratum+tcp" && u.Scheme != "tcp" {
		return Endpoint{}, errFactory.WithMessage(ErrInvalidURL, "unsupported scheme: "+u.Scheme)
	}

	host := u.Hostname()
	portStr := u.Port()
	if host == "" || portStr == "" {
		return Endpoint{}, errFactory.WithMessage(ErrInvalidURL, "host and port are required")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, errFactory.WithMessage(ErrInvalidURL, "invalid port: "+portStr)
	}

	return Endpoint{URL: raw, Host: host, Port: port}, nil
}
