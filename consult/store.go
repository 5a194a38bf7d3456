package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsultationsBucket is the KV bucket name for consultation requests.
const ConsultationsBucket = "DOSSIER_CONSULTATIONS"

// ErrNotFound is returned when a consultation is not found.
var ErrNotFound = errors.New("consultation not found")

// Store persists consultation requests and their resolutions in a JetStream
// KV bucket so concurrent consultations for different items proceed
// independently.
type Store struct {
	bucket jetstream.KeyValue
}

// NewStore creates a consultation store, creating the bucket if needed.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      ConsultationsBucket,
		Description: "Pending and resolved pipeline consultations",
		TTL:         30 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}
	return &Store{bucket: bucket}, nil
}

// storedConsultation is the KV representation: the request plus its
// resolution once one exists.
type storedConsultation struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response,omitempty"`
}

// Put saves a pending request.
func (s *Store) Put(ctx context.Context, req *Request) error {
	return s.write(ctx, &storedConsultation{Request: req})
}

// Resolve records a resolution and updates the request status.
func (s *Store) Resolve(ctx context.Context, req *Request, resp *Response) error {
	return s.write(ctx, &storedConsultation{Request: req, Response: resp})
}

func (s *Store) write(ctx context.Context, sc *storedConsultation) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal consultation: %w", err)
	}
	if _, err := s.bucket.Put(ctx, sc.Request.ID, data); err != nil {
		return fmt.Errorf("put consultation: %w", err)
	}
	return nil
}

// Get retrieves a consultation by request ID.
func (s *Store) Get(ctx context.Context, id string) (*Request, *Response, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get consultation: %w", err)
	}

	var sc storedConsultation
	if err := json.Unmarshal(entry.Value(), &sc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal consultation: %w", err)
	}
	return sc.Request, sc.Response, nil
}

// ListPending retrieves all pending requests, optionally past their deadline
// only.
func (s *Store) ListPending(ctx context.Context, overdueOnly bool, now time.Time) ([]*Request, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Request{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var pending []*Request
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip errors for individual keys
		}
		var sc storedConsultation
		if err := json.Unmarshal(entry.Value(), &sc); err != nil {
			continue
		}
		if sc.Request == nil || sc.Request.Status != StatusPending {
			continue
		}
		if overdueOnly && now.Before(sc.Request.Deadline) {
			continue
		}
		pending = append(pending, sc.Request)
	}
	return pending, nil
}
