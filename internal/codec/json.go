package codec

import "encoding/json"

// JSON is the default stateless codec for application messages that
// don't need a purpose-built binary layout (spec's DOMAIN STACK for
// component B: "encoding/json (default codec)"), grounded on the
// teacher's own reliance on encoding/json for its coordinator/node
// wire format. Messages round-trip as a length-prefixed JSON blob
// inside the standard frame.
type JSON struct{}

func (JSON) BaseType() string { return "json" }
func (JSON) IsStateful() bool { return false }

func (JSON) Encode(msg Message, w *Writer) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.WriteBytes(b)
	return w.Err()
}

func (JSON) Decode(r *Reader) (Message, error) {
	b := r.ReadBytes()
	if r.Err() != nil {
		return nil, r.Err()
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
