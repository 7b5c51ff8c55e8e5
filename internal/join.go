package internal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"

	"nhooyr.io/websocket"
)

type JoinOptions struct {
	InstanceID      string
	OriginPatterns  []string
	MaxMessageBytes int64
	SendQueue       int
	WriteTimeout    time.Duration
	KeepAlive       time.Duration
	Limits          AssemblyLimits
}

// Client is the Conn behind every accepted socket. Sends are queued and
// written by the connection's own goroutine; a full queue fails the send
// instead of blocking the sender.
type Client struct {
	id  string
	out chan Message

	lock   sync.Mutex
	closed bool

	recv atomic.Int64
	sent atomic.Int64
}

func newClient(id string, queue int) *Client {
	if queue < 1 {
		queue = 1
	}

	return &Client{id: id, out: make(chan Message, queue)}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Open() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return !c.closed
}

func (c *Client) Send(msg Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.out <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func connectionKey(id string) string {
	return fmt.Sprintf("relay:conn:%v", id)
}

func JoinRoute(logger *slog.Logger, rdb *redis.Client, registry *Registry, router *Router, opts JoinOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		now := time.Now()

		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		rid := connectionKey(id)
		log := logger.With(slog.String("id", id))

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("upgrade refused", slog.String("reason", err.Error()))
			return
		}

		//goland:noinspection GoUnhandledErrorResult
		defer conn.Close(websocket.StatusNormalClosure, "")

		if opts.MaxMessageBytes > 0 {
			conn.SetReadLimit(opts.MaxMessageBytes)
		}

		client := newClient(id, opts.SendQueue)
		peer := NewPeer(client, opts.Limits)
		ttl := 2 * opts.KeepAlive

		data := map[string]any{
			"inst":   opts.InstanceID,
			"join":   now.Unix(),
			"remote": r.RemoteAddr,
			"role":   RoleUnassigned.String(),
			"recv":   0,
			"sent":   0,
		}

		// stats are advisory; a Redis outage must not cut off the camera
		if err := rdb.HSet(ctx, rid, data).Err(); err != nil {
			log.Error("failed to record connection", err)
		} else if err := rdb.Expire(ctx, rid, ttl).Err(); err != nil {
			log.Error("failed to set connection expiry", err)
		}

		flush := func(ctx context.Context) error {
			stats := map[string]any{
				"role": registry.Role(peer).String(),
				"recv": client.recv.Load(),
				"sent": client.sent.Load(),
			}

			if err := rdb.HSet(ctx, rid, stats).Err(); err != nil {
				return err
			}

			return rdb.Expire(ctx, rid, ttl).Err()
		}

		log.Info("joined", slog.String("remote", r.RemoteAddr))

		wg := sync.WaitGroup{}

		defer func() {
			cancel()
			wg.Wait()

			router.Drop(peer)
			client.close()

			if err := rdb.Del(context.Background(), rid).Err(); err != nil {
				log.Error("failed to cleanup", err)
			}

			log.Info("left",
				slog.Int64("recv", client.recv.Load()),
				slog.Int64("sent", client.sent.Load()),
			)
		}()

		wg.Add(2)

		go func() {
			defer wg.Done()
			defer cancel()

			for {
				typ, b, err := conn.Read(ctx)
				if err != nil {
					if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
						log.Debug("read failed", slog.String("reason", err.Error()))
					}
					return
				}

				client.recv.Add(1)
				router.Handle(peer, b, typ == websocket.MessageBinary)
			}
		}()

		go func() {
			defer wg.Done()

			ticker := time.NewTicker(opts.KeepAlive)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pctx, pcancel := context.WithTimeout(ctx, opts.WriteTimeout)
					err := conn.Ping(pctx)
					pcancel()

					if err != nil {
						log.Error("failed to ping", err)
						_ = conn.Close(websocket.StatusPolicyViolation, "hello?")
						cancel()
						return
					}

					if err := flush(ctx); err != nil {
						log.Error("failed to update connection stats", err)
					}
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-client.out:
				if !ok {
					return
				}

				typ := websocket.MessageText
				if msg.Binary {
					typ = websocket.MessageBinary
				}

				wctx, wcancel := context.WithTimeout(ctx, opts.WriteTimeout)
				err := conn.Write(wctx, typ, msg.Buffer)
				wcancel()

				if err != nil {
					log.Error("failed to write message", err)
					return
				}

				client.sent.Add(1)
			}
		}
	}
}
