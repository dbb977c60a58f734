package cluster

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"

	"github.com/orneryd/mpedm/pkg/errkind"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("cluster: malformed message")

// Kind is the message type.
type Kind string

const (
	KindAsk    Kind = "ask"    // worker -> master: give me a task
	KindTask   Kind = "task"   // master -> worker: task data
	KindResult Kind = "result" // worker -> master: task outcome
	KindStop   Kind = "stop"   // master -> worker: no tasks left
)

// Phase is the kind of work a task asks for.
type Phase string

const (
	PhaseEmbedding Phase = "embedding"
	PhaseCrossMap  Phase = "crossmap"
)

// Task is a chunk [Start, Stop) of series indices. Tasks never carry
// samples; workers hold their own copy of the dataset.
type Task struct {
	ID    uint64 `json:"id"`
	Phase Phase  `json:"phase"`
	Start int    `json:"start"`
	Stop  int    `json:"stop"`
	// OptimalE is the per-series embedding dimension, set for cross-map tasks.
	OptimalE []int `json:"optimal_e,omitempty"`
}

// Result is a finished task.
type Result struct {
	TaskID uint64 `json:"task_id"`
	Phase  Phase  `json:"phase"`
	Start  int    `json:"start"`
	Stop   int    `json:"stop"`

	// Embedding phase: one entry per series in [Start, Stop).
	BestE []int  `json:"best_e,omitempty"`
	Rhos  Floats `json:"rhos,omitempty"`

	// Cross-map phase: one score row per library in [Start, Stop).
	Rows []Floats `json:"rows,omitempty"`

	// Set when the task failed on the worker.
	Error     string       `json:"error,omitempty"`
	ErrorKind errkind.Kind `json:"error_kind,omitempty"`
}

// Message is one protocol frame.
type Message struct {
	Kind   Kind    `json:"kind"`
	Worker string  `json:"worker,omitempty"`
	Task   *Task   `json:"task,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// Floats is a float32 vector that survives JSON bit-exactly, NaN included:
// it is encoded as base64 of its little-endian IEEE bits.
type Floats []float32

// MarshalJSON implements json.Marshaler.
func (f Floats) MarshalJSON() ([]byte, error) {
	raw := make([]byte, 4*len(f))
	for i, v := range f {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Floats) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("float vector of %d bytes", len(raw))
	}
	out := make(Floats, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*f = out
	return nil
}

// Encode serializes m as snappy-compressed JSON.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode parses and validates a frame. Failures are protocol errors
// wrapping ErrMalformed.
func Decode(frame []byte) (Message, error) {
	raw, err := snappy.Decode(nil, frame)
	if err != nil {
		return Message{}, malformed("decompress: %v", err)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, malformed("json: %v", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func malformed(format string, args ...any) error {
	return errkind.New(errkind.Protocol, "cluster", fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...)))
}

func (m Message) validate() error {
	switch m.Kind {
	case KindAsk, KindStop:
	case KindTask:
		if m.Task == nil {
			return malformed("task message without task")
		}
		if m.Task.Start < 0 || m.Task.Stop < m.Task.Start {
			return malformed("task range [%d, %d)", m.Task.Start, m.Task.Stop)
		}
		if m.Task.Phase != PhaseEmbedding && m.Task.Phase != PhaseCrossMap {
			return malformed("task phase %q", m.Task.Phase)
		}
	case KindResult:
		if m.Result == nil {
			return malformed("result message without result")
		}
		if m.Result.Error != "" {
			return nil
		}
		n := m.Result.Stop - m.Result.Start
		switch m.Result.Phase {
		case PhaseEmbedding:
			if len(m.Result.BestE) != n || len(m.Result.Rhos) != n {
				return malformed("embedding result for %d series holds %d/%d values", n, len(m.Result.BestE), len(m.Result.Rhos))
			}
		case PhaseCrossMap:
			if len(m.Result.Rows) != n {
				return malformed("cross-map result for %d libraries holds %d rows", n, len(m.Result.Rows))
			}
		default:
			return malformed("result phase %q", m.Result.Phase)
		}
	default:
		return malformed("unknown kind %q", m.Kind)
	}
	if m.Kind != KindStop && m.Kind != KindTask && m.Worker == "" {
		return malformed("%s message without worker id", m.Kind)
	}
	return nil
}
