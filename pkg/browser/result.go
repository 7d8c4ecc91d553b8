package browser

import "time"

// PayloadKind describes what an Ok result carries.
type PayloadKind string

const (
	PayloadNone     PayloadKind = "none"
	PayloadImage    PayloadKind = "image"
	PayloadDocument PayloadKind = "document"
	PayloadScalar   PayloadKind = "scalar"
)

// Payload is the successful output of an action. Data is byte-exact for
// image and document payloads; Value holds the evaluated script result.
type Payload struct {
	Kind     PayloadKind
	Data     []byte
	MIMEType string
	Value    interface{}
}

// ActionResult is either Ok with a payload or Failed with a failure, never
// both. Build results with the Ok* and Failed constructors.
type ActionResult struct {
	action   ActionKind
	payload  *Payload
	failure  *Failure
	duration time.Duration
}

// OkNone builds a successful result with no payload (navigate, click, fill).
func OkNone(action ActionKind) ActionResult {
	return ActionResult{action: action, payload: &Payload{Kind: PayloadNone}}
}

// OkImage builds a successful screenshot result.
func OkImage(data []byte, format ImageFormat) ActionResult {
	return ActionResult{
		action:  ActionScreenshot,
		payload: &Payload{Kind: PayloadImage, Data: data, MIMEType: format.MIMEType()},
	}
}

// OkDocument builds a successful PDF result.
func OkDocument(data []byte) ActionResult {
	return ActionResult{
		action:  ActionCapturePDF,
		payload: &Payload{Kind: PayloadDocument, Data: data, MIMEType: PDFMIMEType},
	}
}

// OkScalar builds a successful script evaluation result.
func OkScalar(value interface{}) ActionResult {
	return ActionResult{
		action:  ActionEvaluate,
		payload: &Payload{Kind: PayloadScalar, Value: value},
	}
}

// Failed builds a failed result. A nil failure is reported as a driver failure
// so that the result is never both empty and unsuccessful.
func Failed(action ActionKind, f *Failure) ActionResult {
	if f == nil {
		f = &Failure{Kind: KindDriverFailure, Message: "unknown failure"}
	}
	return ActionResult{action: action, failure: f}
}

// OK reports whether the action succeeded.
func (r ActionResult) OK() bool {
	return r.failure == nil && r.payload != nil
}

// Action returns the kind of action that produced the result.
func (r ActionResult) Action() ActionKind { return r.action }

// Payload returns the payload of a successful result, or nil.
func (r ActionResult) Payload() *Payload { return r.payload }

// Failure returns the failure of an unsuccessful result, or nil.
func (r ActionResult) Failure() *Failure { return r.failure }

// Err returns the failure as an error, or nil on success.
func (r ActionResult) Err() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Duration returns how long the action took.
func (r ActionResult) Duration() time.Duration { return r.duration }

// Bytes returns the binary payload, or nil.
func (r ActionResult) Bytes() []byte {
	if r.payload == nil {
		return nil
	}
	return r.payload.Data
}

func (r ActionResult) withDuration(d time.Duration) ActionResult {
	r.duration = d
	return r
}
