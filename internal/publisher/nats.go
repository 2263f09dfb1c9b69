package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"route-tracker/internal/progress"
)

// commandTimeout bounds one dispatched display command, including the wait
// for a position fix.
const commandTimeout = 60 * time.Second

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics

	// closed is closed by the connection's ClosedHandler, after a drain
	// has flushed every subscription callback.
	closed chan struct{}
	wg     sync.WaitGroup
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
	CommandInc(command string)
}

func NewNATSPublisher(url string, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	closed := make(chan struct{})
	var closeOnce sync.Once
	nc, err := nats.Connect(url,
		nats.Name("route-tracker"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
			closeOnce.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(prefix), logSubjects: logSubjects, metrics: m, closed: closed}, nil
}

// Conn exposes the connection for other subscribers (position fixes).
func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

// Close drains the connection, then waits for dispatched commands to finish.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		log.Printf("nats drain: %v", err)
		p.nc.Close()
	}
	p.awaitDrained()
}

// awaitDrained blocks until the connection is closed and no command
// goroutine is left. No callback can start one once closed is closed.
func (p *NATSPublisher) awaitDrained() {
	<-p.closed
	p.wg.Wait()
}

// Subjects used under the configured prefix.
func UpdateSubject(prefix string) string  { return subjectToken(prefix) + ".update" }
func CommandSubject(prefix string) string { return subjectToken(prefix) + ".command" }
func FixSubject(prefix string) string     { return subjectToken(prefix) + ".fix" }

// UpdateMessage is what the display receives for every computed report.
type UpdateMessage struct {
	Command   string          `json:"command"`
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   progress.Report `json:"payload"`
}

func NewUpdateMessage(r progress.Report, now time.Time) UpdateMessage {
	return UpdateMessage{Command: "update", RequestID: uuid.NewString(), Timestamp: now, Payload: r}
}

// PublishUpdate implements progress.Sink.
func (p *NATSPublisher) PublishUpdate(r progress.Report) error {
	subject := UpdateSubject(p.prefix)
	msg := NewUpdateMessage(r, time.Now())
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s request=%s", subject, msg.RequestID)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// Command is a request from the display.
type Command struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Tracker is the engine surface display commands drive.
type Tracker interface {
	RequestUpdate(ctx context.Context) (progress.Report, error)
	LoadRoute(ctx context.Context) (progress.Report, error)
	LoadRouteText(ctx context.Context, text string) (progress.Report, error)
	SetPace(ctx context.Context, pace float64) (progress.Report, error)
	Clear(ctx context.Context) progress.Report
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	c.Command = strings.ToLower(strings.TrimSpace(c.Command))
	if c.Command == "" {
		return Command{}, errors.New("decode command: missing command name")
	}
	return c, nil
}

// Pace reads a setpace payload, given either as a number or a numeric string.
func (c Command) Pace() (float64, error) {
	var f float64
	if err := json.Unmarshal(c.Payload, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(c.Payload, &s); err != nil {
		return 0, fmt.Errorf("setpace payload %s: not a number", string(c.Payload))
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("setpace payload %q: %w", s, err)
	}
	return v, nil
}

// RouteText reads an optional inline route from a loadroute payload. An
// absent or null payload means the configured route source.
func (c Command) RouteText() (string, error) {
	if len(c.Payload) == 0 || string(c.Payload) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(c.Payload, &s); err != nil {
		return "", fmt.Errorf("loadroute payload: %w", err)
	}
	return strings.TrimSpace(s), nil
}

// Dispatch runs one display command against the tracker.
func Dispatch(ctx context.Context, t Tracker, c Command) error {
	var err error
	switch c.Command {
	case "requestupdate":
		_, err = t.RequestUpdate(ctx)
	case "loadroute":
		var text string
		if text, err = c.RouteText(); err == nil {
			if text == "" {
				_, err = t.LoadRoute(ctx)
			} else {
				_, err = t.LoadRouteText(ctx, text)
			}
		}
	case "setpace":
		var pace float64
		if pace, err = c.Pace(); err == nil {
			_, err = t.SetPace(ctx, pace)
		}
	case "clearroute":
		t.Clear(ctx)
	default:
		err = fmt.Errorf("unknown command %q", c.Command)
	}
	return err
}

// SubscribeCommands dispatches display commands until ctx is done. Each
// command runs in its own goroutine so a newer request can supersede one
// still waiting for a fix.
func (p *NATSPublisher) SubscribeCommands(ctx context.Context, t Tracker) (*nats.Subscription, error) {
	subject := CommandSubject(p.prefix)
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		c, err := DecodeCommand(m.Data)
		if err != nil {
			log.Printf("discarding command: %v", err)
			return
		}
		if p.metrics != nil {
			p.metrics.CommandInc(c.Command)
		}
		if p.logSubjects {
			log.Printf("nats command subject=%s command=%s", m.Subject, c.Command)
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := Dispatch(cctx, t, c); err != nil && !errors.Is(err, progress.ErrSuperseded) {
				log.Printf("command %s: %v", c.Command, err)
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Printf("listening for commands on %s", subject)
	return sub, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
