package feed

import (
	"errors"
	"time"
)

// DefaultSymbols is the equity universe the feed subscribes to unless told
// otherwise.
var DefaultSymbols = []string{
	"AAPL", "TSLA", "MSFT", "AMZN", "GOOGL", "META", "NFLX", "NVDA", "BRK.B", "JPM",
	"V", "JNJ", "WMT", "PG", "DIS", "MA", "HD", "PYPL", "INTC", "CSCO",
	"XOM", "KO", "PEP", "NKE", "PFE", "MRK", "T", "VZ", "ADBE", "CRM",
}

type Config struct {
	URL     string   `env:"URL" envDefault:"wss://ws.finnhub.io"`
	Token   string   `env:"TOKEN"`
	Symbols []string `env:"SYMBOLS" envSeparator:"," envDefault:"AAPL,TSLA,MSFT,AMZN,GOOGL,META,NFLX,NVDA,BRK.B,JPM,V,JNJ,WMT,PG,DIS,MA,HD,PYPL,INTC,CSCO,XOM,KO,PEP,NKE,PFE,MRK,T,VZ,ADBE,CRM"`

	// MaxMessages stops the subscriber after that many published messages.
	// Zero means run until cancelled.
	MaxMessages int `env:"MAX_MESSAGES" envDefault:"0"`

	Cooldown         time.Duration `env:"COOLDOWN" envDefault:"5s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReadTimeout      time.Duration `env:"READ_TIMEOUT" envDefault:"90s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	// Pace is slept after each handled message.
	Pace time.Duration `env:"PACE" envDefault:"0s"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("feed: url is required")
	}
	if len(c.Symbols) == 0 {
		return errors.New("feed: at least one symbol is required")
	}
	if c.MaxMessages < 0 {
		return errors.New("feed: max messages must be >= 0")
	}
	return nil
}
