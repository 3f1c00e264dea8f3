package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type SendCmd struct {
	URL      string `arg:"--url" default:"http://localhost:8005" help:"Brainfreeze base URL"`
	Sender   string `arg:"--sender" default:"freezeit-sender" help:"Sender id reported with each event"`
	Event    string `arg:"--event" default:"loadtest.event" help:"Event name"`
	Rate     int    `arg:"--rate" default:"10" help:"Events per second"`
	Count    int    `arg:"--count" default:"100" help:"Total events to send"`
	TryTimes int    `arg:"--try-times" default:"3" help:"Attempt budget per subscriber, -1 for unlimited"`
	Timeout  int    `arg:"--timeout" default:"60" help:"Seconds each subscriber has to reply"`
}

type ReceiveCmd struct {
	URL      string        `arg:"--url" default:"http://localhost:8005" help:"Brainfreeze base URL"`
	ID       string        `arg:"--id" help:"Subscriber id (random when empty)"`
	Events   []string      `arg:"--event,separate" help:"Event name to subscribe to (repeatable)"`
	FailRate float64       `arg:"--fail-rate" default:"0" help:"Fraction of deliveries to answer with FAIL"`
	Delay    time.Duration `arg:"--delay" default:"0s" help:"Time to wait before replying"`
	Duration time.Duration `arg:"--duration" default:"30s" help:"How long to listen"`
}

type args struct {
	Send    *SendCmd    `arg:"subcommand:send" help:"Enqueue events on Brainfreeze"`
	Receive *ReceiveCmd `arg:"subcommand:receive" help:"Subscribe to events and reply to deliveries"`
}

func (args) Description() string {
	return "freezeit: load testing tool for the Brainfreeze event broker"
}

// frame mirrors the broker's WebSocket envelope.
type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	RecordID  string `json:"recordId"`
	Error     *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	var a args
	p := arg.MustParse(&a)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case a.Send != nil:
		err = runSend(ctx, a.Send)
	case a.Receive != nil:
		err = runReceive(ctx, a.Receive)
	default:
		p.WriteUsage(os.Stdout)
		fmt.Println()
		p.WriteHelp(os.Stdout)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func socketURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

// client serializes writes on one broker connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dial(ctx context.Context, baseURL string) (*client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL(baseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) send(frameType, id string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame{Type: frameType, ID: id, Data: raw})
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func runSend(ctx context.Context, cmd *SendCmd) error {
	if cmd.Rate <= 0 || cmd.Count <= 0 {
		return errors.New("--rate and --count must be positive")
	}
	c, err := dial(ctx, cmd.URL)
	if err != nil {
		return err
	}
	defer c.close()

	var acked, failed atomic.Int64
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			var f frame
			if err := c.conn.ReadJSON(&f); err != nil {
				select {
				case <-done:
					return nil
				default:
					return fmt.Errorf("reading acks: %w", err)
				}
			}
			if f.Type != "ack" {
				continue
			}
			var a ack
			if err := json.Unmarshal(f.Data, &a); err != nil || a.Status != "SUCCESS" {
				failed.Add(1)
				if a.Error != nil {
					fmt.Fprintf(os.Stderr, "\nrequest %s failed: %s\n", a.RequestID, a.Error.Message)
				}
			} else {
				acked.Add(1)
			}
			if acked.Load()+failed.Load() == int64(cmd.Count) {
				close(done)
				return nil
			}
		}
	})

	start := time.Now()
	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(cmd.Rate))
		defer ticker.Stop()
		for i := 0; i < cmd.Count; i++ {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			requestID := uuid.NewString()
			err := c.send("enqueue", requestID, map[string]any{
				"requestId":      requestID,
				"senderId":       cmd.Sender,
				"eventName":      cmd.Event,
				"tryTimes":       cmd.TryTimes,
				"timeoutSeconds": cmd.Timeout,
				"args": map[string]any{
					"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
					"seq":     i + 1,
				},
			})
			if err != nil {
				return fmt.Errorf("sending event %d: %w", i+1, err)
			}
			fmt.Fprintf(os.Stderr, "\rSent: %d/%d  Acked: %d  Failed: %d", i+1, cmd.Count, acked.Load(), failed.Load())
		}
		return nil
	})

	err = g.Wait()
	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "\r%s\r", "                                                  ")
	fmt.Fprintf(os.Stderr, "Send complete: %d acked, %d failed, %.1fs elapsed, %.1f events/sec\n",
		acked.Load(), failed.Load(), elapsed.Seconds(), float64(acked.Load())/elapsed.Seconds())
	return err
}

func runReceive(ctx context.Context, cmd *ReceiveCmd) error {
	if len(cmd.Events) == 0 {
		cmd.Events = []string{"loadtest.event"}
	}
	if cmd.ID == "" {
		const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
		suffix := make([]byte, 6)
		for i := range suffix {
			suffix[i] = letters[rand.Intn(len(letters))]
		}
		cmd.ID = "freezeit-receiver-" + string(suffix)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration)
	defer cancel()

	c, err := dial(ctx, cmd.URL)
	if err != nil {
		return err
	}

	for _, event := range cmd.Events {
		err := c.send("subscribe", "sub-"+event, map[string]string{
			"requestId": uuid.NewString(),
			"senderId":  cmd.ID,
			"event":     event,
		})
		if err != nil {
			c.close()
			return fmt.Errorf("subscribing to %s: %w", event, err)
		}
	}
	fmt.Fprintf(os.Stderr, "Subscribed %s to %s for %s...\n", cmd.ID, strings.Join(cmd.Events, ", "), cmd.Duration)

	var received, succeeded atomic.Int64
	var latency atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		c.close()
		return nil
	})

	g.Go(func() error {
		for {
			var f frame
			if err := c.conn.ReadJSON(&f); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("connection lost: %w", err)
			}
			switch f.Type {
			case "ack":
				var a ack
				if err := json.Unmarshal(f.Data, &a); err == nil && a.Error != nil {
					fmt.Fprintf(os.Stderr, "%s: %s\n", a.Error.Name, a.Error.Message)
				}
			case "event":
				received.Add(1)
				recordLatency(f.Data, &latency)
				g.Go(func() error {
					status := "SUCCESS"
					if rand.Float64() < cmd.FailRate {
						status = "FAIL"
					} else {
						succeeded.Add(1)
					}
					if cmd.Delay > 0 {
						select {
						case <-gctx.Done():
							return nil
						case <-time.After(cmd.Delay):
						}
					}
					if err := c.send("reply", f.ID, map[string]string{"status": status}); err != nil && gctx.Err() == nil {
						fmt.Fprintf(os.Stderr, "\nreply failed: %v\n", err)
					}
					return nil
				})
				fmt.Fprintf(os.Stderr, "\rReceived: %d", received.Load())
			}
		}
	})

	err = g.Wait()
	fmt.Fprintf(os.Stderr, "\nReceive complete: %d deliveries, %d answered SUCCESS", received.Load(), succeeded.Load())
	if n := received.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, ", mean latency %s", time.Duration(latency.Load()/n))
	}
	fmt.Fprintln(os.Stderr)
	return err
}

// recordLatency adds the time since the delivery's sent_at argument, when present.
func recordLatency(data json.RawMessage, total *atomic.Int64) {
	var delivery struct {
		Args struct {
			SentAt time.Time `json:"sent_at"`
		} `json:"args"`
	}
	if err := json.Unmarshal(data, &delivery); err != nil || delivery.Args.SentAt.IsZero() {
		return
	}
	total.Add(int64(time.Since(delivery.Args.SentAt)))
}
