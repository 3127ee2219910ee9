package cluster

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestMarshalShapes checks that every variant renders the documented keys
// with string values only.
func TestMarshalShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want map[string]string
	}{
		{
			name: "join without port",
			msg:  JoinRequest{IP: "10.0.0.7"},
			want: map[string]string{"command": "join", "ip": "10.0.0.7"},
		},
		{
			name: "join with allocated port",
			msg:  JoinRequest{IP: "10.0.0.7", Port: 11003},
			want: map[string]string{"command": "join", "ip": "10.0.0.7", "port": "11003"},
		},
		{
			name: "start",
			msg:  StartRequest{KDown: 3, KUp: 6, Epsilon: 0.1, DatasetDir: "/data/netflix"},
			want: map[string]string{"command": "start", "kDown": "3", "kUp": "6", "epsilon": "0.1", "dsDir": "/data/netflix"},
		},
		{
			name: "result",
			msg:  ResultReport{K: 4, SSD: 1234.5},
			want: map[string]string{"command": "result", "k": "4", "ssd": "1234.5"},
		},
		{
			name: "probe",
			msg:  Probe{},
			want: map[string]string{"nd": "nd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got map[string]string
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("body is not a string map: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d keys, got %v", len(tt.want), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Expected %s=%q, got %q", k, v, got[k])
				}
			}
		})
	}
}

// TestDecodeVariants checks that Decode returns the matching concrete type.
func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		body string
		want Message
	}{
		{`{"command":"join","ip":"192.168.1.20"}`, JoinRequest{IP: "192.168.1.20"}},
		{`{"command":"join","ip":"192.168.1.20","port":"11001"}`, JoinRequest{IP: "192.168.1.20", Port: 11001}},
		{`{"command":"start","kDown":"0","kUp":"3","epsilon":"0.25","dsDir":"d"}`, StartRequest{KDown: 0, KUp: 3, Epsilon: 0.25, DatasetDir: "d"}},
		{`{"command":"result","k":"7","ssd":"98.5"}`, ResultReport{K: 7, SSD: 98.5}},
		{`{"nd":"nd"}`, Probe{}},
	}

	for _, tt := range tests {
		got, err := Decode([]byte(tt.body))
		if err != nil {
			t.Errorf("Decode(%s): %v", tt.body, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Decode(%s) = %#v, want %#v", tt.body, got, tt.want)
		}
		if got.Kind() != tt.want.Kind() {
			t.Errorf("Kind mismatch for %s", tt.body)
		}
	}
}

// TestDecodeRejects checks the ErrProtocol cases.
func TestDecodeRejects(t *testing.T) {
	bodies := map[string]string{
		"not json":        `{"command":`,
		"not a map":       `["join"]`,
		"numeric value":   `{"command":"result","k":3,"ssd":"1"}`,
		"missing command": `{"ip":"1.2.3.4"}`,
		"unknown command": `{"command":"leave"}`,
		"bad ip":          `{"command":"join","ip":"not-an-ip"}`,
		"ipv6":            `{"command":"join","ip":"::1"}`,
		"bad port":        `{"command":"join","ip":"1.2.3.4","port":"99999"}`,
		"missing kUp":     `{"command":"start","kDown":"1","epsilon":"0.1","dsDir":"d"}`,
		"bad epsilon":     `{"command":"start","kDown":"1","kUp":"2","epsilon":"x","dsDir":"d"}`,
		"bad ssd":         `{"command":"result","k":"1","ssd":"lots"}`,
		"probe mismatch":  `{"nd":"other"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

// TestJoinAddr checks the callback address rendering.
func TestJoinAddr(t *testing.T) {
	m := JoinRequest{IP: "10.1.2.3", Port: 11004}
	if got := m.Addr(); got != "10.1.2.3:11004" {
		t.Errorf("Expected 10.1.2.3:11004, got %s", got)
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{KindJoin: "join", KindStart: "start", KindResult: "result", KindProbe: "probe", Kind(0): "unknown"} {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
