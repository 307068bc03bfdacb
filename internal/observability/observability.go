// Package observability emits one structured event per capsule
// invocation to a remote sink: trace linkage, the input/output
// aggregate hashes, a size-capped set of per-file digests, and
// whether the result came from cache. This is separate from
// internal/logger's free-text debug lines, which are for local
// diagnostics rather than a queryable event stream.
package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/valeryz/capsules/internal/iohashing"
)

// maxHashDetails caps how many per-item digests are attached to an
// event, keeping the JSON payload well under typical ingest size
// limits even for capsules with thousands of declared inputs.
const maxHashDetails = 500

// Event is a single capsule invocation record.
type Event struct {
	TraceID  string `json:"trace.trace_id"`
	SpanID   string `json:"trace.span_id"`
	ParentID string `json:"trace.parent_id,omitempty"`

	InputsHash         string            `json:"inputs_hash"`
	InputsHashDetails  map[string]string `json:"inputs_hash_details,omitempty"`
	OutputsHash        string            `json:"outputs_hash"`
	OutputsHashDetails map[string]string `json:"outputs_hash_details,omitempty"`

	CacheHit      bool `json:"cache_hit"`
	NonDeterminism bool `json:"non_determinism"`

	Extra map[string]string `json:"-"`
}

// MarshalJSON flattens Extra's key-values alongside Event's own
// fields, matching the reference implementation's single flat event
// map rather than a nested "extra" object.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// BuildEvent assembles an Event from a capsule run's hash bundles,
// capping the per-item detail maps at maxHashDetails entries each.
func BuildEvent(traceID, spanID, parentID string, inputs iohashing.InputHashBundle, outputs iohashing.OutputHashBundle, cacheHit, nonDeterminism bool, extra map[string]string) Event {
	return Event{
		TraceID:            traceID,
		SpanID:             spanID,
		ParentID:           parentID,
		InputsHash:         string(inputs.Hash),
		InputsHashDetails:  inputDetails(inputs),
		OutputsHash:        string(outputs.Hash),
		OutputsHashDetails: outputDetails(outputs),
		CacheHit:           cacheHit,
		NonDeterminism:     nonDeterminism,
		Extra:              extra,
	}
}

// inputDetails renders inputs as filename/tag -> digest, preferring
// tool tags over files when the cap is reached since they're usually
// the more actionable signal when truncated (inputs sort tags-first,
// so this naturally keeps the earliest tags).
func inputDetails(bundle iohashing.InputHashBundle) map[string]string {
	out := make(map[string]string)
	for _, item := range bundle.Items {
		if len(out) >= maxHashDetails {
			break
		}
		switch item.Input.Kind {
		case iohashing.InputFile:
			out[item.Input.Path] = string(item.Digest)
		case iohashing.InputToolTag:
			out[item.Input.Tag] = string(item.Digest)
		}
	}
	return out
}

// outputDetails renders declared output files as path -> digest.
// Exit code and captured stdout/stderr outputs aren't filenames and
// so have no natural key; they're covered by the aggregate hash and
// Event's other fields instead.
func outputDetails(bundle iohashing.OutputHashBundle) map[string]string {
	out := make(map[string]string)
	for _, item := range bundle.Items {
		if len(out) >= maxHashDetails {
			break
		}
		if item.Output.Kind == iohashing.OutputFile {
			out[item.Output.Path] = string(item.Digest)
		}
	}
	return out
}

// Sink is where Events are sent.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// NullSink discards every event; used when no observability endpoint
// is configured.
type NullSink struct{}

func (NullSink) Send(ctx context.Context, event Event) error { return nil }

// RemoteSink posts each Event as JSON to an HTTP endpoint, in the
// manner of a Honeycomb-style events API: dataset-scoped URL, bearer
// token header.
type RemoteSink struct {
	Endpoint string
	Dataset  string
	Token    string
	Client   *http.Client
}

// NewRemoteSink builds a RemoteSink, defaulting to http.DefaultClient.
func NewRemoteSink(endpoint, dataset, token string) *RemoteSink {
	return &RemoteSink{Endpoint: endpoint, Dataset: dataset, Token: token, Client: http.DefaultClient}
}

func (r *RemoteSink) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("observability: encoding event: %w", err)
	}

	url := fmt.Sprintf("%s/1/events/%s", r.Endpoint, r.Dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("observability: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Honeycomb-Team", r.Token)

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("observability: sending event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("observability: sending event: remote returned status %d", resp.StatusCode)
	}
	return nil
}
