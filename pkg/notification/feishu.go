package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"clawbernetes/pkg/logger"
)

// FeishuNotifier sends notifications to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuNotifier creates a new Feishu notifier
func NewFeishuNotifier(webhookURL string) *FeishuNotifier {
	// Priority: config file > environment variable
	if webhookURL != "" {
		logger.Info("Using Feishu webhook URL from config file")
	} else {
		webhookURL = os.Getenv("FEISHU_WEBHOOK_URL")
		if webhookURL != "" {
			logger.Info("Using Feishu webhook URL from environment variable")
		}
	}

	if webhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), alert notifications will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f.webhookURL != ""
}

// AlertNotification represents a fired alert
type AlertNotification struct {
	AlertID   string
	Name      string
	Condition string
	Subject   string // node or workload the alert fired for
	Detail    string
	FiredAt   time.Time
}

// SendAlertNotification sends an alert card to Feishu
func (f *FeishuNotifier) SendAlertNotification(ctx context.Context, notification *AlertNotification) error {
	if f.webhookURL == "" {
		logger.DebugCtx(ctx, "Feishu webhook URL not configured, skipping notification")
		return nil
	}

	// Build Feishu message card
	message := f.buildAlertMessage(notification)

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu notification sent for alert %s (%s)", notification.Name, notification.Subject)
	return nil
}

// buildAlertMessage builds a Feishu message card for a fired alert
func (f *FeishuNotifier) buildAlertMessage(notification *AlertNotification) map[string]interface{} {
	template := "orange"
	if notification.Condition == "node_evicted" || notification.Condition == "workload_failed" {
		template = "red"
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": template,
				"title": map[string]interface{}{
					"content": fmt.Sprintf("Alert: %s", notification.Name),
					"tag":     "plain_text",
				},
			},
			"elements": []interface{}{
				map[string]interface{}{
					"tag": "div",
					"fields": []interface{}{
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Condition**\n%s", notification.Condition),
								"tag":     "lark_md",
							},
						},
						map[string]interface{}{
							"is_short": true,
							"text": map[string]interface{}{
								"content": fmt.Sprintf("**Subject**\n%s", notification.Subject),
								"tag":     "lark_md",
							},
						},
					},
				},
				map[string]interface{}{
					"tag": "div",
					"text": map[string]interface{}{
						"content": notification.Detail,
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"tag": "hr",
				},
				map[string]interface{}{
					"tag": "note",
					"elements": []interface{}{
						map[string]interface{}{
							"content": fmt.Sprintf("Fired at %s, alert id %s. Silence with: clawctl alert silence %s --duration 3600",
								notification.FiredAt.Format("2006-01-02 15:04:05"), notification.AlertID, notification.AlertID),
							"tag": "plain_text",
						},
					},
				},
			},
		},
	}
}
