package redis

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPort = "6379"

// Conn describes how to reach one logical database of a store.
type Conn struct {
	Addr     string
	Password string
	// DB is the selected database. It is -1 when the address named none,
	// which asks callers to discover every populated database.
	DB      int
	Timeout time.Duration
}

// HasDB reports whether the address pinned a database.
func (c Conn) HasDB() bool { return c.DB >= 0 }

// WithDB returns a copy of c selecting db.
func (c Conn) WithDB(db int) Conn {
	c.DB = db
	return c
}

// String is safe to log: the password is never included.
func (c Conn) String() string {
	if c.HasDB() {
		return fmt.Sprintf("%s/%d", c.Addr, c.DB)
	}
	return c.Addr
}

// ParseURI accepts redis://[:password@]host[:port][/db] as well as the
// short host[:port[:db]] form.
func ParseURI(uri string) (Conn, error) {
	c := Conn{DB: -1, Timeout: 5 * time.Second}
	if uri == "" {
		return c, fmt.Errorf("empty redis address")
	}
	if strings.HasPrefix(uri, "redis://") {
		u, err := url.Parse(uri)
		if err != nil {
			return c, fmt.Errorf("parse %q: %w", uri, err)
		}
		if u.User != nil {
			if p, ok := u.User.Password(); ok {
				c.Password = p
			} else {
				c.Password = u.User.Username()
			}
		}
		host, port := u.Hostname(), u.Port()
		if host == "" {
			return c, fmt.Errorf("parse %q: missing host", uri)
		}
		if port == "" {
			port = defaultPort
		}
		c.Addr = net.JoinHostPort(host, port)
		if p := strings.Trim(u.Path, "/"); p != "" {
			db, err := strconv.Atoi(p)
			if err != nil || db < 0 {
				return c, fmt.Errorf("parse %q: invalid db %q", uri, p)
			}
			c.DB = db
		}
		return c, nil
	}

	parts := strings.Split(uri, ":")
	if len(parts) > 3 || parts[0] == "" {
		return c, fmt.Errorf("parse %q: expected host[:port[:db]]", uri)
	}
	port := defaultPort
	if len(parts) >= 2 {
		if _, err := strconv.ParseUint(parts[1], 10, 16); err != nil {
			return c, fmt.Errorf("parse %q: invalid port %q", uri, parts[1])
		}
		port = parts[1]
	}
	c.Addr = net.JoinHostPort(parts[0], port)
	if len(parts) == 3 {
		db, err := strconv.Atoi(parts[2])
		if err != nil || db < 0 {
			return c, fmt.Errorf("parse %q: invalid db %q", uri, parts[2])
		}
		c.DB = db
	}
	return c, nil
}
