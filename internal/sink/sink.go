package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// Alert describes a record that needs operator attention.
type Alert struct {
	EventID          string
	Kind             string
	Symbol           string
	Amount           string
	BlockNumber      uint64
	TxHash           string
	Status           string
	ErrorKind        string
	Error            string
	BrokerageOrderID string
	SettlementTxHash string
	Time             time.Time
}

type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, alert Alert) error {
	bodyStr, err := executeTemplate(s.render, alert)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

// Counter receives delivery outcomes.
type Counter interface {
	AlertsSent()
	AlertsDropped()
}

// Fanout delivers an alert to every sender. A failing sender does not stop
// delivery to the rest.
type Fanout struct {
	senders map[string]Sender
	log     *slog.Logger
	counter Counter
}

// NewFanout builds a fanout over the named senders. counter may be nil.
func NewFanout(senders map[string]Sender, log *slog.Logger, counter Counter) *Fanout {
	return &Fanout{senders: senders, log: log, counter: counter}
}

// Send delivers alert to all senders and joins their errors.
func (f *Fanout) Send(ctx context.Context, alert Alert) error {
	if f == nil {
		return nil
	}
	var errs []error
	for id, s := range f.senders {
		if err := s.Send(ctx, alert); err != nil {
			if f.counter != nil {
				f.counter.AlertsDropped()
			}
			if f.log != nil {
				f.log.Warn("alert delivery failed", "sink", id, "event_id", alert.EventID, "error", err)
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", id, err))
			continue
		}
		if f.counter != nil {
			f.counter.AlertsSent()
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of configured senders.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.senders)
}

const defaultTemplate = "RECONCILER {{.Status}} {{.Kind}} {{.Symbol}} {{.Amount}} event={{.EventID}}" +
	"{{if .ErrorKind}} kind={{.ErrorKind}}{{end}}" +
	"{{if .BrokerageOrderID}} order={{.BrokerageOrderID}}{{end}}" +
	"{{if .Error}} error={{.Error}}{{end}}"

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
