package pgpubsub

import "encoding/json"

// Codec packs values to JSON and back for NOTIFY payload transport. Both
// directions are failure-tolerant: the channel is untrusted from this
// process's perspective, so malformed input must never crash the caller.
type Codec struct {
	log Logger
}

// NewCodec creates a Codec that reports pack/unpack failures to log.
// A nil log discards warnings.
func NewCodec(log Logger) *Codec {
	if log == nil {
		log = noopLogger{}
	}
	return &Codec{log: log}
}

// Pack marshals value to a JSON string. If pretty is true the result is
// indented. An unrepresentable value (e.g. a channel or a function) never
// panics or returns an error — it degrades to the literal string "null"
// and a warning is logged, since a failed NOTIFY is worse than an empty one.
func (c *Codec) Pack(value any, pretty bool) string {
	if value == nil {
		return "null"
	}

	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(value, "", "  ")
	} else {
		b, err = json.Marshal(value)
	}
	if err != nil {
		c.log.Warn("pgpubsub: failed to pack payload, sending null", "error", err)
		return "null"
	}
	return string(b)
}

// Unpack decodes a JSON string into an any. Non-string input decodes to
// nil. Malformed JSON decodes to an empty object rather than propagating
// an error, so a single bad NOTIFY payload cannot crash a subscriber.
func (c *Codec) Unpack(text any) any {
	s, ok := text.(string)
	if !ok {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		c.log.Warn("pgpubsub: failed to unpack payload, using empty object", "error", err, "payload", s)
		return map[string]any{}
	}
	return v
}
