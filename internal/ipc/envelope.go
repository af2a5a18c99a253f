package ipc

import "encoding/json"

// Request is one line-delimited JSON object sent by a client. Verb shapes
// vary enough (tasks_request nests a whole sub-action) that we keep the
// envelope as a loosely typed map and let each handler pull the fields it
// needs, rather than declare one struct per verb.
type Request map[string]interface{}

// Type is the dispatch key ("type" field).
func (r Request) Type() string { return r.Str("type") }

// Str returns a string field, or "" if absent/wrong type.
func (r Request) Str(key string) string {
	v, ok := r[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Int returns an int field. JSON numbers decode as float64.
func (r Request) Int(key string) int {
	switch v := r[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Bool returns a bool field.
func (r Request) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

// StrSlice returns a []string field, tolerating a JSON array of strings.
func (r Request) StrSlice(key string) []string {
	raw, ok := r[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns a nested object field as a Request, for verbs like
// tasks_request that nest {action, params}.
func (r Request) Map(key string) Request {
	sub, ok := r[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return Request(sub)
}

// Response is the reply envelope. encode chooses between the bare "ok"
// literal and a full JSON object depending on whether there is anything
// beyond the boolean to report.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Summary string      `json:"summary,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Ok builds a bare success response.
func Ok(data interface{}) Response {
	return Response{OK: true, Data: data}
}

// OkSummary builds a success response carrying only a human-readable
// summary, no structured data.
func OkSummary(summary string) Response {
	return Response{OK: true, Summary: summary}
}

// Fail builds a failure response.
func Fail(err error) Response {
	if err == nil {
		return Response{OK: false, Error: "unknown error"}
	}
	return Response{OK: false, Error: err.Error()}
}

// FailMsg builds a failure response from a literal message.
func FailMsg(msg string) Response {
	return Response{OK: false, Error: msg}
}

// encode renders the wire bytes (without trailing newline) for a
// response. A trivial success (ok, no error, no summary, no data)
// renders as the bare literal "ok" per the legacy envelope allowance;
// anything else is a full JSON object.
func encode(resp Response) ([]byte, error) {
	if resp.OK && resp.Error == "" && resp.Summary == "" && resp.Data == nil {
		return []byte("ok"), nil
	}
	return json.Marshal(resp)
}
