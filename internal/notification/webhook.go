package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/notiq/notiq/internal/persistence"
)

// messageTemplateToken is the quoted placeholder in a post_data template that
// the serialized message replaces, keeping the rendered template valid JSON.
const messageTemplateToken = `"$zaqar_message$"`

// WebhookTask delivers a message batch to an HTTP subscriber with one POST
// per message. POSTs to a host ride through that host's circuit breaker and
// token bucket so one melting endpoint neither gets hammered nor starves the
// others.
type WebhookTask struct {
	client   *http.Client
	breakers *BreakerManager
	limiter  *HostLimiter
}

// NewWebhookTask builds the task around a shared pooled HTTP client.
func NewWebhookTask(client *http.Client, breakers *BreakerManager, limiter *HostLimiter) *WebhookTask {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookTask{client: client, breakers: breakers, limiter: limiter}
}

func (t *WebhookTask) Execute(ctx context.Context, tc TaskContext, sub persistence.Subscription, messages []persistence.Message) error {
	target, err := url.Parse(sub.Subscriber)
	if err != nil {
		return fmt.Errorf("parse subscriber %q: %w", sub.Subscriber, err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if raw, ok := sub.Options["post_headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	template, _ := sub.Options["post_data"].(string)

	for _, msg := range messages {
		msg.QueueName = sub.Source
		if err := t.post(ctx, tc, target, headers, template, msg); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tc.Monitors.Update(ctx, messages, sub.Source, tc.Project, persistence.SubscribeMessages, true); err != nil {
		// The batch was delivered; losing the counter delta is not a
		// reason to deliver it again.
		tc.Log.Error().Err(err).Str("topic", sub.Source).Msg("Webhook success monitor update failed")
	}
	return nil
}

// post renders and sends one message.
func (t *WebhookTask) post(ctx context.Context, tc TaskContext, target *url.URL, headers map[string]string, template string, msg persistence.Message) error {
	serialized, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message %s: %w", msg.ID, err)
	}

	body := string(serialized)
	if template != "" {
		body = strings.ReplaceAll(template, messageTemplateToken, body)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, target.Host); err != nil {
			return err
		}
	}

	postCtx := ctx
	if timeout := tc.Config.Notification.WebhookTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		postCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(postCtx, http.MethodPost, target.String(), strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("webhook %s responded %d", target.Host, resp.StatusCode)
		}
		return nil, nil
	}

	if t.breakers != nil {
		_, err = t.breakers.Execute(target.Host, do)
	} else {
		_, err = do()
	}
	if err != nil {
		return fmt.Errorf("post message %s to %s: %w", msg.ID, target.Host, err)
	}
	return nil
}

var _ Task = (*WebhookTask)(nil)
