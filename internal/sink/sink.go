package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/devblac/netflow-tower/internal/units"
)

// TransferPayload is the data passed to sinks for one recorded transfer.
type TransferPayload struct {
	Chain       string    `json:"chain"`
	Watch       string    `json:"watch"`
	Token       string    `json:"token"`
	Symbol      string    `json:"symbol,omitempty"`
	Direction   string    `json:"direction"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	AmountHuman string    `json:"amount_human"`
	BlockTime   time.Time `json:"block_time"`
}

// Token describes the tracked token for rendering.
type Token struct {
	Chain    string
	Contract string
	Symbol   string
	Decimals int32
	Watch    string
}

// NewTransferPayload renders a stored transfer for notification.
func NewTransferPayload(rec storage.TransferRecord, tok Token) TransferPayload {
	return TransferPayload{
		Chain:       tok.Chain,
		Watch:       tok.Watch,
		Token:       strings.ToLower(tok.Contract),
		Symbol:      tok.Symbol,
		Direction:   string(rec.Direction),
		BlockNumber: rec.BlockNumber,
		TxHash:      rec.TxHash,
		LogIndex:    rec.LogIndex,
		From:        rec.From,
		To:          rec.To,
		Amount:      rec.Amount.String(),
		AmountHuman: units.Format(rec.Amount, tok.Decimals),
		BlockTime:   rec.BlockTime,
	}
}

type Sender interface {
	Send(ctx context.Context, payload TransferPayload) error
}

// StatusError is returned when a sink answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("sink http status %d", e.Code) }

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
	raw     bool
}

// NewWebhookSender builds a generic HTTP sink. An empty template posts the payload as JSON.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	s := &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		client:  defaultClient(),
		headers: map[string]string{"Content-Type": "application/json"},
		raw:     tmpl == "",
	}
	for k, v := range headers {
		s.headers[k] = v
	}
	if !s.raw {
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		s.render = t
	}
	return s, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return newTextSender(url, tmpl)
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return newTextSender(url, tmpl)
}

func newTextSender(url, tmpl string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  http.MethodPost,
		render:  t,
		client:  defaultClient(),
		headers: map[string]string{"Content-Type": "application/json"},
	}, nil
}

func (s *httpSender) Send(ctx context.Context, payload TransferPayload) error {
	var (
		reqBody []byte
		err     error
	)
	if s.raw {
		reqBody, err = json.Marshal(payload)
	} else {
		var text string
		text, err = executeTemplate(s.render, payload)
		if err != nil {
			return err
		}
		reqBody, err = json.Marshal(map[string]string{"text": text})
	}
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
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

const defaultTemplate = "{{.Direction}} {{.AmountHuman}} {{.Symbol}} {{short_addr .From}} -> {{short_addr .To}} (block {{.BlockNumber}}, tx {{short_addr .TxHash}})"

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
		"upper": strings.ToUpper,
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
