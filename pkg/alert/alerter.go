// Package alert 运维告警 (webhook)
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eidos-exchange/eidos-mint/pkg/logger"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 告警消息
type Alert struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Alerter 告警发送接口
type Alerter interface {
	Send(ctx context.Context, alert *Alert) error
	SendAsync(ctx context.Context, alert *Alert)
	Close()
}

// Config 告警配置
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	Environment        string `yaml:"environment"`
	ServiceName        string `yaml:"service_name"`
	WebhookURL         string `yaml:"webhook_url"`
	WebhookType        string `yaml:"webhook_type"` // generic, slack, dingtalk
	WebhookTimeout     int    `yaml:"webhook_timeout"`
	MaxRetries         int    `yaml:"max_retries"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type webhookAlerter struct {
	cfg     *Config
	client  *retryablehttp.Client
	limiter *rate.Limiter

	queue chan *Alert
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewAlerter 根据配置创建告警器, 未启用时返回 noop
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return NoopAlerter{}
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = cfg.MaxRetries
	if client.RetryMax <= 0 {
		client.RetryMax = 2
	}
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	if cfg.WebhookTimeout > 0 {
		client.HTTPClient.Timeout = time.Duration(cfg.WebhookTimeout) * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimitPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
		burst = cfg.RateLimitPerMinute
	}

	a := &webhookAlerter{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan *Alert, 64),
		stop:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *webhookAlerter) stamp(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

// Send 同步发送
func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	a.stamp(alert)
	if !a.limiter.Allow() {
		logger.Warn("alert rate limited", zap.String("title", alert.Title))
		return nil
	}
	return a.post(ctx, alert)
}

// SendAsync 异步发送, 队列满时丢弃
func (a *webhookAlerter) SendAsync(_ context.Context, alert *Alert) {
	a.stamp(alert)
	select {
	case a.queue <- alert:
	default:
		logger.Warn("alert queue full, dropping", zap.String("title", alert.Title))
	}
}

func (a *webhookAlerter) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case alert := <-a.queue:
			if !a.limiter.Allow() {
				logger.Warn("alert rate limited", zap.String("title", alert.Title))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.client.HTTPClient.Timeout*time.Duration(a.client.RetryMax+1))
			if err := a.post(ctx, alert); err != nil {
				logger.Error("send alert failed", zap.String("title", alert.Title), zap.Error(err))
			}
			cancel()
		}
	}
}

func (a *webhookAlerter) post(ctx context.Context, alert *Alert) error {
	payload, err := Format(a.cfg.WebhookType, alert)
	if err != nil {
		return fmt.Errorf("format alert: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, payload)
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close 停止异步发送
func (a *webhookAlerter) Close() {
	a.once.Do(func() {
		close(a.stop)
		a.wg.Wait()
	})
}

// Format 按 webhook 类型格式化告警
func Format(webhookType string, alert *Alert) ([]byte, error) {
	switch webhookType {
	case "slack":
		color := "#36a64f"
		switch alert.Severity {
		case SeverityWarning:
			color = "#ffc107"
		case SeverityCritical:
			color = "#dc3545"
		}
		fields := []map[string]interface{}{
			{"title": "Environment", "value": alert.Environment, "short": true},
			{"title": "Service", "value": alert.Source, "short": true},
		}
		for _, k := range sortedKeys(alert.Tags) {
			fields = append(fields, map[string]interface{}{"title": k, "value": alert.Tags[k], "short": true})
		}
		return json.Marshal(map[string]interface{}{
			"attachments": []map[string]interface{}{{
				"color":  color,
				"title":  alert.Title,
				"text":   alert.Message,
				"fields": fields,
				"ts":     alert.Timestamp.Unix(),
			}},
		})
	case "dingtalk":
		var b strings.Builder
		fmt.Fprintf(&b, "### [%s] %s\n\n**环境**: %s\n**服务**: %s\n**时间**: %s\n\n%s",
			strings.ToUpper(string(alert.Severity)), alert.Title,
			alert.Environment, alert.Source,
			alert.Timestamp.Format("2006-01-02 15:04:05"), alert.Message)
		for _, k := range sortedKeys(alert.Tags) {
			fmt.Fprintf(&b, "\n- %s: %s", k, alert.Tags[k])
		}
		return json.Marshal(map[string]interface{}{
			"msgtype":  "markdown",
			"markdown": map[string]string{"title": alert.Title, "text": b.String()},
		})
	default:
		return json.Marshal(alert)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NoopAlerter 未启用告警时使用
type NoopAlerter struct{}

func (NoopAlerter) Send(context.Context, *Alert) error { return nil }

func (NoopAlerter) SendAsync(context.Context, *Alert) {}

func (NoopAlerter) Close() {}
