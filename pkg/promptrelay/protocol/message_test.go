package protocol

import (
	"encoding/json"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr bool
		want    string // expected type on success
	}{
		{"ping", `{"type":"PING"}`, false, TypePing},
		{"command", `{"id":"t1","type":"CMD_SEND_MESSAGE","payload":{"prompt":"hi","conversation_id":""}}`, false, TypeSendMessage},
		{"unknown type parses", `{"type":"CMD_FUTURE"}`, false, "CMD_FUTURE"},
		{"missing type", `{"id":"x"}`, true, ""},
		{"not json", `{{{`, true, ""},
		{"wrong shape", `[1,2,3]`, true, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Parse([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.data, msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.data, err)
			}
			if msg.Type != tt.want {
				t.Errorf("type = %q, want %q", msg.Type, tt.want)
			}
		})
	}
}

func TestCorrelation(t *testing.T) {
	t.Parallel()

	cmd := NewSendMessage("task-42", "hello", "")
	if cmd.ID != "task-42" {
		t.Fatalf("command id = %q", cmd.ID)
	}

	reply := NewReply(cmd.ID, "partial", StatusProcessing, "c1")
	if reply.ReplyTo != cmd.ID {
		t.Errorf("reply_to = %q, want %q", reply.ReplyTo, cmd.ID)
	}

	errMsg := NewError(cmd.ID, "response timeout")
	if errMsg.ReplyTo != cmd.ID {
		t.Errorf("error reply_to = %q, want %q", errMsg.ReplyTo, cmd.ID)
	}

	// Uncorrelated error omits reply_to from the frame entirely.
	data, err := NewError("", "forward failed").Encode()
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["reply_to"]; ok {
		t.Error("uncorrelated error should not carry reply_to")
	}
	if _, ok := raw["id"]; ok {
		t.Error("events should not carry id")
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	msg := NewSendMessage("t1", "explain goroutines", "conv-9")
	var p SendMessagePayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.Prompt != "explain goroutines" || p.ConversationID != "conv-9" {
		t.Errorf("payload = %+v", p)
	}

	var bad ReplyPayload
	if err := NewPong().DecodePayload(&bad); err == nil {
		t.Error("expected error decoding payload of payload-less message")
	}
}

func TestStatusEvents(t *testing.T) {
	t.Parallel()

	msg := NewStatus(AgentBusy)
	if msg.ID != "" || msg.ReplyTo != "" {
		t.Error("status events are fire-and-forget")
	}
	var p StatusPayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.Status != AgentBusy {
		t.Errorf("status = %q", p.Status)
	}
}
