package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushDispatcher posts hot-zone alerts to a push provider (FCM-shaped
// HTTPv1 payload) for collectors without a live socket.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Alert(collectorID string, alert FeedAlert) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": collectorID,
		"data":  map[string]interface{}{"request_id": alert.RequestID, "alert": alert},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
