// Package message defines the wire format for run requests and results, and
// the JetStream service that moves them. A run request names a graph, carries
// the task parameters shared by every node, the node specs to execute, and
// the rows to process, inline or behind a blob reference.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/scope"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Run identifies one execution of a graph.
type Run struct {
	RunID   string `json:"runId"`
	GraphID string `json:"graphId"`
}

// TaskSpec carries the task type and parameters shared by every node of a
// run, plus an optional JSON Schema the parameters must satisfy.
type TaskSpec struct {
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	ParamsSchema json.RawMessage `json:"paramsSchema,omitempty"`
}

// NodeSpec describes one node of the graph: which executor runs it, its
// configuration, its input bindings and the outputs that survive its scope.
type NodeSpec struct {
	Name        string          `json:"name"`
	Executor    string          `json:"executor"`
	Config      json.RawMessage `json:"config,omitempty"`
	Inputs      []scope.Binding `json:"inputs,omitempty"`
	OutputNames []string        `json:"outputNames,omitempty"`
}

// BlobReference points at payload or result data offloaded to blob storage
// when it is too large to travel inline (>1.5MB).
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// Payload carries the rows a run processes. Small batches travel inline as a
// JSON array; large batches are uploaded to blob storage first and referenced.
type Payload struct {
	Rows          json.RawMessage `json:"rows,omitempty"`
	BlobReference *BlobReference  `json:"blobReference,omitempty"`

	// IndexField names the per-row ordinal field. Empty means the default.
	IndexField string `json:"indexField,omitempty"`
}

// HasInlineRows reports whether the payload carries rows inline.
func (p *Payload) HasInlineRows() bool {
	return p != nil && len(p.Rows) > 0
}

// HasBlobReference reports whether the rows live in blob storage.
func (p *Payload) HasBlobReference() bool {
	return p != nil && p.BlobReference != nil && p.BlobReference.URL != ""
}

// Message is a run request sent over JetStream. All messages serialize to
// JSON and carry timestamps; persistence follows the stream's configuration.
type Message struct {
	// CorrelationID tracks related messages across the system.
	CorrelationID string `json:"correlationId,omitempty"`

	// Run identifies the graph execution this message requests.
	Run *Run `json:"run,omitempty"`

	// Task is the shared task descriptor for the run.
	Task *TaskSpec `json:"task,omitempty"`

	// Nodes are the graph's node specs.
	Nodes []NodeSpec `json:"nodes,omitempty"`

	// Payload carries the rows to process.
	Payload *Payload `json:"payload,omitempty"`

	// Metadata holds additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the message was created, RFC 3339.
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is when the message was last updated, RFC 3339.
	UpdatedAt string `json:"updatedAt"`

	// natsMsg holds the original NATS message for acknowledgment.
	natsMsg *nats.Msg `json:"-"`
}

// NewMessage creates an empty message with timestamps.
func NewMessage() *Message {
	now := time.Now().Format(time.RFC3339)
	return &Message{
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRunMessage creates a message requesting one run of a graph.
func NewRunMessage(graphID, runID string) *Message {
	m := NewMessage()
	m.Run = &Run{RunID: runID, GraphID: graphID}
	return m
}

// WithCorrelationID sets the correlation ID.
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithMetadata adds one metadata entry.
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithTask sets the shared task type and parameters.
func (m *Message) WithTask(taskType string, params json.RawMessage) *Message {
	m.Task = &TaskSpec{Type: taskType, Params: params}
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithTaskSchema attaches a JSON Schema the task parameters must satisfy.
func (m *Message) WithTaskSchema(schema json.RawMessage) *Message {
	if m.Task == nil {
		m.Task = &TaskSpec{}
	}
	m.Task.ParamsSchema = schema
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithNodes sets the node specs.
func (m *Message) WithNodes(nodes ...NodeSpec) *Message {
	m.Nodes = nodes
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithPayload sets inline rows.
func (m *Message) WithPayload(rows json.RawMessage) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.Rows = rows
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithPayloadReference points the payload at blob storage.
func (m *Message) WithPayloadReference(ref *BlobReference) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.BlobReference = ref
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// WithIndexField names the per-row ordinal field of the payload.
func (m *Message) WithIndexField(field string) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.IndexField = field
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// UpdateTimestamp refreshes UpdatedAt.
func (m *Message) UpdateTimestamp() *Message {
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// Validate checks that the message describes an executable run: run identity,
// a non-empty task type when a task is present, at least one node, and a node
// graph free of duplicate names, unknown references and cycles.
func (m *Message) Validate() error {
	if m.Run == nil || m.Run.RunID == "" || m.Run.GraphID == "" {
		return fmt.Errorf("message is missing run identity")
	}
	if m.Task != nil && m.Task.Type == "" {
		return fmt.Errorf("message task has no type")
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("message has no nodes")
	}

	specs := make([]graph.Spec, len(m.Nodes))
	for i, n := range m.Nodes {
		if n.Executor == "" {
			return fmt.Errorf("node %q has no executor", n.Name)
		}
		sources := make([]string, len(n.Inputs))
		for j, b := range n.Inputs {
			sources[j] = b.Source
		}
		specs[i] = graph.Spec{Name: n.Name, Sources: sources}
	}
	if _, err := graph.BuildPlan(specs); err != nil {
		return fmt.Errorf("invalid node graph: %w", err)
	}

	if m.Payload != nil && m.Payload.HasInlineRows() && m.Payload.HasBlobReference() {
		return fmt.Errorf("payload carries both inline rows and a blob reference")
	}
	return nil
}

// GraphDefinition converts the message's task and node specs into a graph
// definition ready for planning and execution.
func (m *Message) GraphDefinition() (*graph.Definition, error) {
	def := &graph.Definition{}

	if m.Task != nil {
		desc, err := task.NewDescriptor(m.Task.Type, m.Task.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid task: %w", err)
		}
		def.Task = desc
	}

	def.Nodes = make([]graph.NodeDef, len(m.Nodes))
	for i, n := range m.Nodes {
		def.Nodes[i] = graph.NodeDef{
			Name:        n.Name,
			Executor:    n.Executor,
			Config:      n.Config,
			Bindings:    append([]scope.Binding(nil), n.Inputs...),
			OutputNames: append([]string(nil), n.OutputNames...),
		}
	}
	return def, nil
}

// ToBytes serializes the message to JSON.
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON.
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FromNATSMsg decodes a message from a NATS message.
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	return FromBytes(natsMsg.Data)
}

// Ack acknowledges the message to JetStream so it is not redelivered.
func (m *Message) Ack() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Ack()
}

// Nak negatively acknowledges the message so JetStream redelivers it
// according to the consumer's configuration.
func (m *Message) Nak() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Nak()
}

// InProgress extends the acknowledgment deadline of the message. Use it
// during long runs to prevent timeout-based redelivery.
func (m *Message) InProgress() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.InProgress()
}

// Term removes the message from the stream without processing. Use it for
// messages that can never succeed.
func (m *Message) Term() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Term()
}

// GetNATSMsg returns the underlying NATS message, nil when the message did
// not arrive over NATS.
func (m *Message) GetNATSMsg() *nats.Msg {
	return m.natsMsg
}
