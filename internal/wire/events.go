package wire

// Kind identifies the variant of a decoded inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindNewMessage
	KindMessagesHistory
	KindReceiveMessage
	KindUserTyping
	KindUserStoppedTyping
	KindUserJoined
	KindUserLeft
	KindUserOnline
	KindUserOffline
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return TypeNewMessage
	case KindMessagesHistory:
		return TypeMessagesHistory
	case KindReceiveMessage:
		return TypeReceiveMessage
	case KindUserTyping:
		return TypeUserTyping
	case KindUserStoppedTyping:
		return TypeUserStoppedTyping
	case KindUserJoined:
		return TypeUserJoined
	case KindUserLeft:
		return TypeUserLeft
	case KindUserOnline:
		return TypeUserOnline
	case KindUserOffline:
		return TypeUserOffline
	default:
		return "unknown"
	}
}

// kindByType maps wire discriminators to variants. Discriminators absent
// from the map decode as KindUnknown so newer servers do not break older
// clients.
var kindByType = map[string]Kind{
	TypeNewMessage:        KindNewMessage,
	TypeMessagesHistory:   KindMessagesHistory,
	TypeReceiveMessage:    KindReceiveMessage,
	TypeUserTyping:        KindUserTyping,
	TypeUserStoppedTyping: KindUserStoppedTyping,
	TypeUserJoined:        KindUserJoined,
	TypeUserLeft:          KindUserLeft,
	TypeUserOnline:        KindUserOnline,
	TypeUserOffline:       KindUserOffline,
}

// Frame is one decoded inbound envelope tagged with its variant.
type Frame struct {
	Kind     Kind
	Envelope *Envelope
}

// Decode parses an inbound frame and tags it. Unknown discriminators still
// decode successfully; the caller decides whether to drop them.
func Decode(data []byte) (Frame, error) {
	e, err := Unmarshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kindByType[e.Type], Envelope: e}, nil
}
