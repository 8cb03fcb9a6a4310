// Package mirror keeps a Weaviate vector store in lockstep with the
// key-value store: every message upsert and delete applied there is applied
// here under a deterministic object ID, so the two stores agree record for
// record.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClassName is the Weaviate class storing message objects.
const ClassName = "Message"

// Object is one message as mirrored into Weaviate.
type Object struct {
	ConversationID string
	MessageID      string
	Author         string
	Content        string
	Vector         []float32
}

// Mirror receives the same upsert/delete set as the key-value store.
type Mirror interface {
	Upsert(ctx context.Context, obj Object) error
	Delete(ctx context.Context, conversationID, messageID string) error
}

// ObjectID derives the deterministic Weaviate object ID for a message:
// UUIDv5 over "<conversationID>_<messageID>". Re-upserting the same message
// always lands on the same object.
func ObjectID(conversationID, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(conversationID+"_"+messageID)).String()
}

// Weaviate talks to a Weaviate instance over its REST objects API.
type Weaviate struct {
	baseURL    string
	httpClient *http.Client
}

// NewWeaviate returns a mirror for the instance at baseURL
// (e.g. http://localhost:8080).
func NewWeaviate(baseURL string) *Weaviate {
	return &Weaviate{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type weaviateObject struct {
	Class      string         `json:"class"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
	Vector     []float32      `json:"vector,omitempty"`
}

// Upsert creates or replaces the object for obj. Weaviate's PUT only updates
// existing objects, so a 404 falls back to a create.
func (w *Weaviate) Upsert(ctx context.Context, obj Object) error {
	id := ObjectID(obj.ConversationID, obj.MessageID)
	body := weaviateObject{
		Class: ClassName,
		ID:    id,
		Properties: map[string]any{
			"messageId":      obj.MessageID,
			"conversationId": obj.ConversationID,
			"author":         obj.Author,
			"content":        obj.Content,
		},
		Vector: obj.Vector,
	}

	status, err := w.send(ctx, http.MethodPut,
		fmt.Sprintf("%s/v1/objects/%s/%s", w.baseURL, ClassName, id), body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || status == http.StatusUnprocessableEntity {
		status, err = w.send(ctx, http.MethodPost, w.baseURL+"/v1/objects", body)
		if err != nil {
			return err
		}
	}
	if status >= 300 {
		return fmt.Errorf("weaviate upsert of %s returned status %d", id, status)
	}
	return nil
}

// Delete removes the object for the message. A 404 is success: the object is
// already gone, which is the state the delete wants.
func (w *Weaviate) Delete(ctx context.Context, conversationID, messageID string) error {
	id := ObjectID(conversationID, messageID)
	status, err := w.send(ctx, http.MethodDelete,
		fmt.Sprintf("%s/v1/objects/%s/%s", w.baseURL, ClassName, id), nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("weaviate delete of %s returned status %d", id, status)
	}
	return nil
}

func (w *Weaviate) send(ctx context.Context, method, url string, body any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode weaviate payload: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build weaviate request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("weaviate request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
