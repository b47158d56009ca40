package chatsync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody bounds the size of a webhook request body.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookBody decodes a webhook body holding either one envelope or a
// JSON array of envelopes.
func ParseWebhookBody(body []byte) ([]Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var envs []Envelope
		if err := json.Unmarshal(body, &envs); err != nil {
			return nil, errors.Wrap(err, "invalid JSON in webhook body")
		}
		for i, env := range envs {
			if env.Type == "" {
				return nil, errors.Errorf("missing type in webhook event %d", i)
			}
		}
		return envs, nil
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "invalid JSON in webhook body")
	}
	if env.Type == "" {
		return nil, errors.New("missing type field in webhook body")
	}
	return []Envelope{env}, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver accepts signed real-time events pushed over HTTP and
// publishes them on a Bus.
type WebhookReceiver struct {
	secret string
	pub    publisher
}

// NewWebhookReceiver creates a receiver verifying bodies with secret.
func NewWebhookReceiver(secret string, bus *Bus, metrics *Metrics) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookReceiver{
		secret: secret,
		pub:    publisher{bus: bus, metrics: metrics},
	}, nil
}

// ServeHTTP verifies, parses and publishes a webhook request.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver("secret", bus, nil)
//	http.Handle("/webhook", wh)
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	if !VerifyWebhookSignature(body, r.Header.Get(SignatureHeader), w.secret) {
		jww.WARN.Printf("[SYNC] Rejected webhook with invalid signature from %s", r.RemoteAddr)
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	envs, err := ParseWebhookBody(body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	for _, env := range envs {
		if err := w.pub.publish(r.Context(), env); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "accepted": len(envs)})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
