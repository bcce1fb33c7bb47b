package exchange

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FillsFeed streams execution reports over the exchange websocket. The
// feed reconnects with backoff; consumers only ever see a closed channel
// when the context is cancelled.
type FillsFeed struct {
	url  string
	log  zerolog.Logger
	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewFillsFeed creates a feed for the given websocket endpoint.
func NewFillsFeed(url string, log zerolog.Logger) *FillsFeed {
	return &FillsFeed{
		url: url,
		log: log.With().Str("component", "fills_feed").Logger(),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Run streams fills into out until the context is cancelled. Connection
// loss triggers reconnect with capped exponential backoff.
func (f *FillsFeed) Run(ctx context.Context, out chan<- Fill) {
	defer close(out)

	backoff := time.Second
	const maxBackoff = time.Minute
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := f.dial(ctx, f.url)
		if err != nil {
			f.log.Warn().Err(err).Dur("backoff", backoff).Msg("fills feed connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		f.log.Info().Str("url", f.url).Msg("fills feed connected")

		f.readLoop(ctx, conn, out)
		_ = conn.Close()
	}
}

func (f *FillsFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Fill) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.Warn().Err(err).Msg("fills feed read failed, reconnecting")
			}
			return
		}
		var fill Fill
		if err := json.Unmarshal(data, &fill); err != nil {
			f.log.Warn().Err(err).Msg("discarding malformed fill message")
			continue
		}
		select {
		case out <- fill:
		case <-ctx.Done():
			return
		}
	}
}
