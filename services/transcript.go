package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FindKey returns the value of the first field named key anywhere in the JSON
// document. Fields are visited depth first in document order, and a field's
// own name is checked before descending into its value, so the first match is
// the first occurrence of the key in the text. A null value does not count as
// a match and the search continues past it.
func FindKey(doc []byte, key string) (json.RawMessage, bool, error) {
	type frame struct {
		object  bool
		wantKey bool
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	var stack []*frame

	valueDone := func() {
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].wantKey = true
		}
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("scan json: %w", err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				valueDone()
				stack = append(stack, &frame{object: true, wantKey: true})
			case '[':
				valueDone()
				stack = append(stack, &frame{})
			default:
				stack = stack[:len(stack)-1]
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].wantKey {
				if t == key {
					var value json.RawMessage
					if err := dec.Decode(&value); err != nil {
						return nil, false, fmt.Errorf("decode %q: %w", key, err)
					}
					if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
						continue
					}
					return value, true, nil
				}
				stack[n-1].wantKey = false
				continue
			}
			valueDone()
		default:
			valueDone()
		}
	}
}

// ExtractTranscript pulls the first "transcript" string out of a realtime
// event, skipping null ones. A missing or non-string transcript reports false.
func ExtractTranscript(event []byte) (string, bool) {
	raw, ok, err := FindKey(event, "transcript")
	if err != nil || !ok {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}
