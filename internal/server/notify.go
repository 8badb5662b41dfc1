package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"opdtrack/internal/config"
	"opdtrack/internal/domain"
	"opdtrack/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// Notifier posts activity transition log entries to configured webhook
// URLs. Each hook keeps its own cursor, so a slow endpoint never blocks
// the rest.
type Notifier struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	wake     chan struct{}
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartNotifier begins dispatching in the background. Returns nil when no
// webhooks are configured.
func StartNotifier(e engine.Engine) *Notifier {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	n := &Notifier{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultNotifyTimeout},
		wake:     make(chan struct{}, 1),
		cursors:  make(map[int]int64),
	}
	go n.run()
	return n
}

// Wake asks the notifier to dispatch now instead of waiting for the next
// tick.
func (n *Notifier) Wake() {
	if n == nil {
		return
	}
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		select {
		case <-ticker.C:
		case <-n.wake:
		}
	}
}

func (n *Notifier) dispatchAll() {
	for i, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatchHook(i, hook)
	}
}

func (n *Notifier) dispatchHook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Repo.LogsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch logs failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newActionFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Action) {
			n.setCursor(idx, entry.ID)
			continue
		}
		if err := n.postEntry(ctx, hook, entry); err != nil {
			log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			return
		}
		n.setCursor(idx, entry.ID)
	}
}

func (n *Notifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestLogID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *Notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifyEvent struct {
	ID         int64  `json:"id"`
	ActivityID string `json:"activity_id"`
	WorkOrder  string `json:"work_order"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	TS         string `json:"ts"`
}

func (n *Notifier) postEntry(ctx context.Context, hook config.WebhookConfig, entry domain.LogEntry) error {
	data, err := json.Marshal(notifyEvent{
		ID:         entry.ID,
		ActivityID: entry.ActivityID,
		WorkOrder:  entry.WorkOrder,
		Action:     entry.Action,
		Actor:      entry.Actor,
		TS:         entry.TS,
	})
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opdtrack-Event", entry.Action)
	req.Header.Set("X-Opdtrack-Delivery", fmt.Sprintf("%d", entry.ID))
	req.Header.Set("X-Opdtrack-Workorder", entry.WorkOrder)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Opdtrack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
