// Package respondersvc provides chat.Responder implementations. The assistant
// itself lives behind an HTTP webhook; this package only carries the prompt
// over and brings the reply back.
package respondersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/cypjiji-star/edusphere-kenya-sub002/core"
	"github.com/cypjiji-star/edusphere-kenya-sub002/core/chat"
)

type (
	webhookRequest struct {
		Messages []chat.PromptMessage `json:"messages"`
	}

	webhookResponse struct {
		Reply string `json:"reply"`
	}
)

type WebhookResponder struct {
	url    string
	client *http.Client
}

var _ chat.Responder = (*WebhookResponder)(nil)

func NewWebhookResponder(conf *core.Config) *WebhookResponder {
	return &WebhookResponder{
		url:    conf.Responder.URL,
		client: &http.Client{Timeout: conf.Responder.Timeout},
	}
}

func (r *WebhookResponder) Respond(ctx context.Context, prompt []chat.PromptMessage) (string, error) {
	body, err := json.Marshal(webhookRequest{Messages: prompt})
	if err != nil {
		return "", errors.Wrap(err, "encoding prompt")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "building responder request")
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "calling responder")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", errors.Errorf("responder returned status %d", res.StatusCode)
	}

	var out webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decoding responder reply")
	}
	return out.Reply, nil
}
