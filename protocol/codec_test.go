package protocol

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestValueJSON(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{name: "null", value: nil, expected: `null`},
		{name: "integer", value: int64(9007199254740993), expected: `9007199254740993`},
		{name: "real", value: 3.25, expected: `3.25`},
		{name: "whole real", value: 3.0, expected: `3.0`},
		{name: "large real", value: 1e21, expected: `1e+21`},
		{name: "float32", value: float32(0.5), expected: `0.5`},
		{name: "infinity", value: math.Inf(1), expected: `{"$real":"+Inf"}`},
		{name: "negative infinity", value: math.Inf(-1), expected: `{"$real":"-Inf"}`},
		{name: "text", value: "hello", expected: `"hello"`},
		{name: "bool", value: true, expected: `true`},
		{name: "blob", value: []byte("hi"), expected: `{"$blob":"aGk="}`},
		{
			name:     "time",
			value:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
			expected: `"2024-01-01T12:00:00Z"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Value{V: tt.value}.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON returned error: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestValueDecodeKeepsTypes(t *testing.T) {
	var v Value
	if err := v.UnmarshalJSON([]byte(`9007199254740993`)); err != nil {
		t.Fatal(err)
	}
	if i, ok := v.V.(int64); !ok || i != 9007199254740993 {
		t.Errorf("Expected int64 9007199254740993, got %T %v", v.V, v.V)
	}

	if err := v.UnmarshalJSON([]byte(`1.5`)); err != nil {
		t.Fatal(err)
	}
	if f, ok := v.V.(float64); !ok || f != 1.5 {
		t.Errorf("Expected float64 1.5, got %T %v", v.V, v.V)
	}

	if err := v.UnmarshalJSON([]byte(`{"$blob":"AAEC"}`)); err != nil {
		t.Fatal(err)
	}
	if b, ok := v.V.([]byte); !ok || !bytes.Equal(b, []byte{0, 1, 2}) {
		t.Errorf("Expected blob 000102, got %T %v", v.V, v.V)
	}

	if err := v.UnmarshalJSON([]byte(`{"other":1}`)); err == nil {
		t.Error("Expected error decoding a plain object")
	}
	if err := v.UnmarshalJSON([]byte(`[1,2]`)); err == nil {
		t.Error("Expected error decoding an array")
	}
}

func TestRealsStayReal(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		expected float64
	}{
		{name: "whole", value: 3.0, expected: 3.0},
		{name: "negative whole", value: -42.0, expected: -42.0},
		{name: "exponent", value: 1e21, expected: 1e21},
		{name: "infinity", value: math.Inf(1), expected: math.Inf(1)},
		{name: "negative infinity", value: math.Inf(-1), expected: math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Value{V: tt.value}.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON returned error: %v", err)
			}
			var v Value
			if err := v.UnmarshalJSON(payload); err != nil {
				t.Fatalf("UnmarshalJSON(%s) returned error: %v", payload, err)
			}
			f, ok := v.V.(float64)
			if !ok || f != tt.expected {
				t.Errorf("Expected float64 %v, got %T %v", tt.expected, v.V, v.V)
			}
		})
	}

	var v Value
	if err := v.UnmarshalJSON([]byte(`{"$real":"NaN"}`)); err != nil {
		t.Fatal(err)
	}
	if f, ok := v.V.(float64); !ok || !math.IsNaN(f) {
		t.Errorf("Expected NaN, got %T %v", v.V, v.V)
	}
	if err := v.UnmarshalJSON([]byte(`{"$real":"lots"}`)); err == nil {
		t.Error("Expected error decoding a malformed real")
	}
}

func TestUnsupportedValueType(t *testing.T) {
	_, err := EncodeRequest(Request{Action: ActionExec, Params: Values(struct{}{})})
	if err == nil {
		t.Fatal("Expected error encoding a struct parameter")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	payload, err := EncodeRequest(Request{
		ID:     "req-1",
		Action: ActionExec,
		SQL:    "SELECT ?, ?",
		Params: Values(int64(1), []byte{0xff}),
		Named:  map[string]Value{":name": {V: "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(payload), `"v":1`) {
		t.Errorf("Expected version stamp in %s", payload)
	}

	req, err := DecodeRequest(payload)
	if err != nil {
		t.Fatalf("DecodeRequest returned error: %v", err)
	}
	if req.ID != "req-1" || req.Action != ActionExec || req.SQL != "SELECT ?, ?" {
		t.Errorf("Unexpected request: %+v", req)
	}
	params := Unwrap(req.Params)
	if params[0] != int64(1) {
		t.Errorf("Expected first param 1, got %v", params[0])
	}
	if b, ok := params[1].([]byte); !ok || len(b) != 1 || b[0] != 0xff {
		t.Errorf("Expected blob param, got %T %v", params[1], params[1])
	}
	if req.Named[":name"].V != "x" {
		t.Errorf("Expected named param x, got %v", req.Named[":name"].V)
	}
}

func TestDecodeVersion(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"a","action":"ping"}`))
	if err != nil {
		t.Fatalf("Version-less request should decode, got %v", err)
	}
	if req.Action != ActionPing {
		t.Errorf("Expected ping, got %s", req.Action)
	}

	req, err = DecodeRequest([]byte(`{"v":2,"id":"b","action":"ping"}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Expected ErrUnsupportedVersion, got %v", err)
	}
	if req.ID != "b" {
		t.Errorf("Expected id to survive a version error, got %q", req.ID)
	}

	_, err = DecodeResponse([]byte(`{"v":9,"id":"c"}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Expected ErrUnsupportedVersion for response, got %v", err)
	}
}

func TestDecodeRequestRecoversID(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"bad","action":"exec","params":[[1]]}`))
	if err == nil {
		t.Fatal("Expected decode error")
	}
	if req.ID != "bad" || req.Action != ActionExec {
		t.Errorf("Expected recovered id and action, got %+v", req)
	}
}

func TestResultSetRows(t *testing.T) {
	rs := ResultSet{
		Columns: []string{"a", "b"},
		Values:  [][]Value{Values(int64(1), "x"), Values(nil, 2.5)},
	}
	rows := rs.Rows()
	if len(rows) != 2 || rows[0][1] != "x" || rows[1][0] != nil || rows[1][1] != 2.5 {
		t.Errorf("Unexpected rows: %v", rows)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Action: ActionExec, Message: "no such table: foo"}
	if err.Error() != "worker exec: no such table: foo" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
