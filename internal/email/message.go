// Package email defines the envelope handed from the SMTP front end to the relay.
package email

// Envelope is one completed inbound SMTP transaction: the reverse path,
// the accepted recipients in the order they were given, and the raw
// message content as received after the DATA command.
//
// An Envelope is owned by the session that built it until it is passed to
// a relay, which then owns it for the duration of a single attempt.
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// Size returns the length of the raw message in bytes.
func (e *Envelope) Size() int {
	return len(e.Data)
}
