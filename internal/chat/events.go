package chat

type EventKind string

const (
	EventIncrement EventKind = "increment"
	EventSuccess   EventKind = "success"
	EventFailed    EventKind = "failed"
)

// Event is one client-visible step of an exchange. Content is always the
// cumulative assistant text so far.
type Event struct {
	Kind          EventKind
	MessagePairID string
	Delta         string
	Content       string
	Seq           uint64
	ChatTopic     string
	Reason        string
	Err           string
}

// Emitter delivers events to the client. An Emit error ends the exchange.
type Emitter interface {
	Emit(Event) error
}

// Heartbeater is implemented by emitters that can keep an idle connection open.
type Heartbeater interface {
	Heartbeat() error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error { return f(e) }
