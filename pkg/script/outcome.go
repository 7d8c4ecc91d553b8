package script

import (
	"encoding/base64"

	"github.com/entrhq/browseract/pkg/browser"
)

// Outcome is the JSON-friendly form of an ActionResult. Binary payloads are
// standard base64 in Data.
type Outcome struct {
	Action     string      `json:"action" yaml:"action"`
	OK         bool        `json:"ok" yaml:"ok"`
	Kind       string      `json:"kind,omitempty" yaml:"kind,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
	MIMEType   string      `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	Data       string      `json:"data,omitempty" yaml:"data,omitempty"`
	Value      interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	DurationMS int64       `json:"duration_ms" yaml:"duration_ms"`
}

// Encode converts a result for transport.
func Encode(r browser.ActionResult) Outcome {
	o := Outcome{
		Action:     string(r.Action()),
		OK:         r.OK(),
		DurationMS: r.Duration().Milliseconds(),
	}
	if f := r.Failure(); f != nil {
		o.Kind = string(f.Kind)
		o.Error = f.Error()
		return o
	}
	if p := r.Payload(); p != nil {
		o.MIMEType = p.MIMEType
		o.Value = p.Value
		if len(p.Data) > 0 {
			o.Data = base64.StdEncoding.EncodeToString(p.Data)
		}
	}
	return o
}

// EncodeAll converts results in order.
func EncodeAll(results []browser.ActionResult) []Outcome {
	out := make([]Outcome, len(results))
	for i, r := range results {
		out[i] = Encode(r)
	}
	return out
}

// Decode returns the binary payload of an outcome.
func (o Outcome) Decode() ([]byte, error) {
	if o.Data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(o.Data)
}
