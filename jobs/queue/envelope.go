package queue

import "encoding/json"

// Job types carried on the queue.
const (
	TypeExpandBatch    = "expand_batch"
	TypeProcessFile    = "process_file"
	TypeAggregateBatch = "aggregate_batch"
)

// Envelope is the unit of work on the wire. ID is a fresh uuid per enqueue,
// so two envelopes for the same entity never serialize to the same bytes and
// their reservations stay distinct. The entity being worked on travels in
// Payload: doc_id for process_file, batch_id for the batch-scoped types.
// Attempt counts deliveries, starting at 0. Reason is set only on
// dead-lettered envelopes.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type envelopePayload struct {
	DocID   string `json:"doc_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
}

// EntityID returns the doc_id or batch_id carried in the payload, or empty
// when the payload is malformed.
func (e Envelope) EntityID() string {
	var p envelopePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	if e.Type == TypeProcessFile {
		return p.DocID
	}
	return p.BatchID
}

// Token identifies one reservation. It is the exact byte serialization of the
// reserved envelope; settling an envelope means removing precisely these bytes
// from the processing set, so two deliveries of the same job at different
// attempts never settle each other.
type Token []byte

// Envelope decodes the reserved envelope back out of the token.
func (t Token) Envelope() (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(t, &env)
	return env, err
}
