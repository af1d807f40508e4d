package speech

// Event is the closed set of structured events a speech backend can deliver.
// The concrete types below are the only implementations; consumers switch on
// them exhaustively with an explicit no-op arm for anything unexpected.
//
// Decoding from the wire happens exactly once, at the protocol boundary in
// the backend client. Unknown wire discriminators never surface as an Event —
// they are logged and discarded by the client.
type Event interface {
	event()
}

// Welcome is the mandatory first event of every speech session. It confirms
// the handshake and carries the backend-assigned session identifier.
type Welcome struct {
	SessionID string
}

// UserStartedSpeaking signals that the backend's voice-activity detection
// heard the caller begin a turn.
type UserStartedSpeaking struct{}

// ConversationText is one utterance of the conversation, attributed to a
// role ("user" or "agent"). The bridge forwards it verbatim; transcript and
// turn bookkeeping belong to listeners.
type ConversationText struct {
	Role    string
	Content string
}

// ErrorEvent reports a backend-side error for the session. Whether it is
// fatal depends on the backend; the client decides and closes the channel
// when it is.
type ErrorEvent struct {
	Code    int
	Message string
}

// Closed signals that the backend ended the session on its side.
type Closed struct{}

func (Welcome) event()             {}
func (UserStartedSpeaking) event() {}
func (ConversationText) event()    {}
func (ErrorEvent) event()          {}
func (Closed) event()              {}
