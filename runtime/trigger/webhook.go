package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/strandsec/strand/runtime/telemetry"
	"github.com/strandsec/strand/runtime/workflow"
)

// Webhook errors.
var (
	ErrBadSignature = errors.New("webhook signature mismatch")
	ErrUnknownHook  = errors.New("unknown webhook source")
)

// dedupeWindow bounds how long a delivery id is remembered. Redeliveries of
// the same (source, deliveryId, signature) inside the window are dropped.
const dedupeWindow = 10 * time.Minute

type (
	// Hook binds a webhook source name to a workflow and a signing secret.
	Hook struct {
		Source     string
		WorkflowID string
		Secret     []byte
	}

	// Webhook verifies signed deliveries and normalizes them into run
	// submissions. One receiver serves any number of registered sources.
	Webhook struct {
		workflows workflow.Store
		submitter Submitter
		logger    telemetry.Logger

		mu    sync.Mutex
		hooks map[string]Hook
		seen  map[string]time.Time

		now func() time.Time
	}

	// Delivery is the normalized run-request envelope recorded as the run's
	// trigger payload.
	Delivery struct {
		Source     string          `json:"source"`
		DeliveryID string          `json:"deliveryId"`
		ReceivedAt time.Time       `json:"receivedAt"`
		Body       json.RawMessage `json:"body"`
	}
)

// NewWebhook builds a webhook receiver.
func NewWebhook(workflows workflow.Store, submitter Submitter, logger telemetry.Logger) *Webhook {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Webhook{
		workflows: workflows,
		submitter: submitter,
		logger:    logger,
		hooks:     make(map[string]Hook),
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Register binds a source to a workflow. Re-registering replaces the binding.
func (w *Webhook) Register(h Hook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[h.Source] = h
}

// Deliver verifies and submits one webhook delivery. The signature is the hex
// HMAC-SHA256 of the raw body under the hook's secret. Duplicate deliveries
// inside the dedupe window return (nil, nil).
func (w *Webhook) Deliver(ctx context.Context, source, deliveryID, signature string, body []byte) (*Delivery, error) {
	w.mu.Lock()
	h, ok := w.hooks[source]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHook, source)
	}
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return nil, ErrBadSignature
	}
	if w.duplicate(source, deliveryID, want) {
		w.logger.Info(ctx, "duplicate webhook delivery dropped",
			"source", source, "delivery", deliveryID)
		return nil, nil
	}
	raw := json.RawMessage(body)
	if !json.Valid(body) {
		raw, _ = json.Marshal(string(body))
	}
	d := &Delivery{
		Source:     source,
		DeliveryID: deliveryID,
		ReceivedAt: w.now().UTC(),
		Body:       raw,
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	idemKey := fmt.Sprintf("hook:%s:%s:%s", source, deliveryID, want[:16])
	r, err := submitFor(ctx, w.workflows, w.submitter, h.WorkflowID, KindWebhook, payload, idemKey)
	if err != nil {
		return nil, err
	}
	w.logger.Info(ctx, "webhook run submitted",
		"source", source, "delivery", deliveryID, "run", r.ID)
	return d, nil
}

// duplicate records the delivery key and reports whether it was already seen
// inside the window. Expired entries are pruned opportunistically.
func (w *Webhook) duplicate(source, deliveryID, signature string) bool {
	key := source + "\x00" + deliveryID + "\x00" + signature
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, at := range w.seen {
		if now.Sub(at) > dedupeWindow {
			delete(w.seen, k)
		}
	}
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = now
	return false
}

// Handler serves deliveries at POST /hooks/{source}. The delivery id comes
// from X-Delivery-ID and the signature from X-Signature, matching the common
// "sha256=<hex>" convention with the prefix optional.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		source := strings.TrimPrefix(req.URL.Path, "/hooks/")
		source = strings.Trim(source, "/")
		if source == "" {
			http.Error(rw, "missing source", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		if err != nil {
			http.Error(rw, "read body", http.StatusBadRequest)
			return
		}
		deliveryID := req.Header.Get("X-Delivery-ID")
		if deliveryID == "" {
			http.Error(rw, "missing X-Delivery-ID", http.StatusBadRequest)
			return
		}
		sig := strings.TrimPrefix(req.Header.Get("X-Signature"), "sha256=")
		d, err := w.Deliver(req.Context(), source, deliveryID, sig, body)
		switch {
		case errors.Is(err, ErrUnknownHook):
			http.Error(rw, "unknown source", http.StatusNotFound)
		case errors.Is(err, ErrBadSignature):
			http.Error(rw, "signature mismatch", http.StatusUnauthorized)
		case err != nil:
			w.logger.Error(req.Context(), "webhook submission failed",
				"source", source, "delivery", deliveryID, "err", err)
			http.Error(rw, "submission failed", http.StatusInternalServerError)
		case d == nil:
			rw.WriteHeader(http.StatusOK) // duplicate, already processed
		default:
			rw.WriteHeader(http.StatusAccepted)
		}
	})
}
