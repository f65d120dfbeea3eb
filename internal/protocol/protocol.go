// Package protocol defines the wire format exchanged between the
// mechanism (or elevated mechanism) and the launcher over the rendezvous
// socket, per spec.md §3 and §6. The payload is a single fixed-size tag
// byte; the descriptor itself travels as SCM_RIGHTS ancillary data on
// the same message, not as part of the payload.
package protocol

// TagPrivFD is the sole recognized message tag, "a privileged file
// descriptor follows". The byte value 0x01 is the convention named in
// _examples/original_source (the mechanism and launcher share this
// definition, per spec.md §6).
const TagPrivFD byte = 0x01

// MessageSize is the fixed, compile-time-known size of the message
// payload. spec.md §6: "No other fields are currently defined; the
// layout is padded to the compile-time-known message size." A single
// tag byte is the entire payload; there is nothing to pad it to.
const MessageSize = 1

// Message is the single recognized protocol message.
type Message struct {
	Tag byte
}

// Encode renders m as the fixed-size wire payload.
func (m Message) Encode() [MessageSize]byte {
	return [MessageSize]byte{m.Tag}
}

// Decode parses a fixed-size wire payload into a Message. buf must be
// exactly MessageSize bytes; callers are responsible for having received
// that many bytes (spec.md §4.6: a short read is a protocol error to be
// detected before Decode is called, not inside it).
func Decode(buf []byte) Message {
	return Message{Tag: buf[0]}
}
