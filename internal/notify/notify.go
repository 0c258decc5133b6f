// Package notify pushes run completions to an ntfy-style HTTP endpoint.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/webreplay/internal/diag"
)

const sendTimeout = 10 * time.Second

// Send posts message as text/plain to endpoint.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Notifier is a diag.Reporter that forwards replay completions and stopped
// recordings to an endpoint. Report never blocks; when the backlog is full
// the event is dropped.
type Notifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	ch       chan string
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewNotifier(endpoint string, client *http.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		ch:       make(chan string, 16),
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Message renders the notification text for evt, or "" when evt is not
// worth a notification.
func Message(evt diag.Event) string {
	switch evt.Kind {
	case diag.ReplayCompleted:
		msg := evt.Message
		if msg == "" {
			msg = "replay completed"
		}
		return "webreplay: " + msg + " (run " + evt.RunID + ")"
	case diag.RecordingStopped:
		msg := evt.Message
		if msg == "" {
			msg = "recording stopped"
		}
		return "webreplay: " + msg
	}
	return ""
}

func (n *Notifier) Report(evt diag.Event) {
	msg := Message(evt)
	if msg == "" {
		return
	}
	select {
	case <-n.done:
		return
	default:
	}
	select {
	case n.ch <- msg:
	default:
		n.logger.Warn("notification backlog full, dropping", "kind", evt.Kind)
	}
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.ch:
			n.send(msg)
		case <-n.done:
			for {
				select {
				case msg := <-n.ch:
					n.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) send(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := Send(ctx, n.client, n.endpoint, msg); err != nil {
		n.logger.Warn("notification failed", "endpoint", n.endpoint, "error", err)
		return
	}
	n.logger.Debug("notification sent", "endpoint", n.endpoint)
}

// Close delivers what is queued and stops the sender.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}
