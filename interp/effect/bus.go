// Package effect implements the ordered effect bus of spec §4.8: a single
// shared mutable resource (spec §5) that serializes every user-visible
// output action behind one mutex and preserves program order.
//
// Grounded on the teacher's core/sdk ExecutionSink event-style interface
// (a single ordered sink consuming execution events), retargeted from
// plan-execution telemetry to the five effect kinds spec §4.8 names.
package effect

import "sync"

// Kind enumerates the effect variants of spec §4.8.
type Kind string

const (
	KindShow       Kind = "show"
	KindWrite      Kind = "write"
	KindStream     Kind = "stream"
	KindEnv        Kind = "env"
	KindStateWrite Kind = "state-write"
)

// WriteFormat mirrors ast.OutputFormat for WriteEffect (spec §4.8).
type WriteFormat string

const (
	FormatJSON   WriteFormat = "json"
	FormatMD     WriteFormat = "md"
	FormatXML    WriteFormat = "xml"
	FormatCSV    WriteFormat = "csv"
	FormatText   WriteFormat = "text"
	FormatBinary WriteFormat = "binary"
)

// Effect is one emitted, ordered side effect.
type Effect struct {
	Seq    uint64
	Kind   Kind
	Text   string      // ShowEffect.text, StreamEffect.text
	Path   string      // WriteEffect.path
	Bytes  []byte      // WriteEffect.bytes
	Format WriteFormat // WriteEffect.format
	Stream string      // StreamEffect.stream: "stdout" | "stderr"
	Name   string      // EnvEffect.name, StateWriteEffect.path
	Value  any         // EnvEffect.value, StateWriteEffect.value
}

// Sink receives effects as they're emitted, in order. Implementations must
// not block the bus indefinitely — the streaming SDK variant's channel
// sink applies backpressure deliberately, per spec §6.3.
type Sink interface {
	Emit(Effect)
}

// Bus is the single ordered emission point every directive/pipeline/`for`
// iteration writes through.
type Bus struct {
	mu    sync.Mutex
	seq   uint64
	sinks []Sink
	log   []Effect // full ordered history, for captureEnvironment / tests
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a Sink to receive every future Emit, in order.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit appends e to the ordered log (assigning Seq) and fans it out to
// every subscribed Sink, all under one lock — the bus's only
// synchronization point (spec §5 "writes are serialized at the emission
// point").
func (b *Bus) Emit(e Effect) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.Seq = b.seq
	b.log = append(b.log, e)
	for _, s := range b.sinks {
		s.Emit(e)
	}
}

// Show is a convenience wrapper for ShowEffect.
func (b *Bus) Show(text string) { b.Emit(Effect{Kind: KindShow, Text: text}) }

// Write is a convenience wrapper for WriteEffect.
func (b *Bus) Write(path string, bytes []byte, format WriteFormat) {
	b.Emit(Effect{Kind: KindWrite, Path: path, Bytes: bytes, Format: format})
}

// Stream is a convenience wrapper for StreamEffect.
func (b *Bus) Stream(stream, text string) {
	b.Emit(Effect{Kind: KindStream, Stream: stream, Text: text})
}

// SetEnv is a convenience wrapper for EnvEffect.
func (b *Bus) SetEnv(name, value string) {
	b.Emit(Effect{Kind: KindEnv, Name: name, Value: value})
}

// StateWrite is a convenience wrapper for StateWriteEffect.
func (b *Bus) StateWrite(path string, value any) {
	b.Emit(Effect{Kind: KindStateWrite, Name: path, Value: value})
}

// Log returns the full ordered effect history (used for `/show`-to-string
// SDK results and for tests asserting ordering, spec §8 property 6).
func (b *Bus) Log() []Effect {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Effect(nil), b.log...)
}

// StringSink collects every ShowEffect's text in order, the SDK's default
// collector when the caller wants a single string result (spec §6.3).
type StringSink struct {
	mu   sync.Mutex
	text []string
}

func (s *StringSink) Emit(e Effect) {
	if e.Kind != KindShow {
		return
	}
	s.mu.Lock()
	s.text = append(s.text, e.Text)
	s.mu.Unlock()
}

func (s *StringSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ""
	for _, t := range s.text {
		out += t
	}
	return out
}
