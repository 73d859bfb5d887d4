package ledger

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds the ledger connection settings. DSN, when set, wins over the
// discrete fields.
type Config struct {
	DSN             string        `env:"DSN"`
	Host            string        `env:"HOST" envDefault:"localhost"`
	Port            int           `env:"PORT" envDefault:"5432"`
	Database        string        `env:"DATABASE" envDefault:"marketdata"`
	Username        string        `env:"USERNAME" envDefault:"postgres"`
	Password        string        `env:"PASSWORD"`
	SSLMode         string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"1"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	QueryTimeout    time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	TimeZone        string        `env:"TIMEZONE" envDefault:"UTC"`
	ApplicationName string        `env:"APPLICATION_NAME" envDefault:"tickpipe"`
}

func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c Config) Validate() error {
	if c.DSN == "" && (c.Host == "" || c.Database == "") {
		return fmt.Errorf("ledger: host and database are required when DSN is empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("ledger: max conns must be > 0, got %d", c.MaxConns)
	}
	return nil
}
