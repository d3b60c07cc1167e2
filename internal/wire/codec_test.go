package wire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		ID: 7,
		Request: &Request{
			Conversation: &ConversationRequest{
				Start: &StartConversationRequest{
					SupportedVersions: [][]byte{{1, 0, 0}},
					PublicKey:         bytes.Repeat([]byte{0xAB}, 32),
					ClientChallenge:   bytes.Repeat([]byte{0x01}, 32),
				},
			},
		},
	}
	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != 7 {
		t.Errorf("id = %d, want 7", got.ID)
	}
	if got.Request.Kind() != KindStart {
		t.Errorf("kind = %v, want %v", got.Request.Kind(), KindStart)
	}
}

// Encoding is deterministic: marshal, unmarshal, marshal again must produce
// identical bytes for any message contents.
func TestMarshalBitIdentical(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &Message{
			ID: rapid.Uint32().Draw(t, "id"),
			Request: &Request{
				Conversation: &ConversationRequest{
					UpdateProfile: &UpdateProfileRequest{
						SetVersion:   rapid.Bool().Draw(t, "setVersion"),
						SetName:      rapid.Bool().Draw(t, "setName"),
						SetLocation:  rapid.Bool().Draw(t, "setLocation"),
						SetExtraData: rapid.Bool().Draw(t, "setExtra"),
						Version:      rapid.SliceOfN(rapid.Byte(), 0, 3).Draw(t, "version"),
						Name:         rapid.StringN(0, 64, 256).Draw(t, "name"),
						Latitude:     rapid.Float64Range(-90, 90).Draw(t, "lat"),
						Longitude:    rapid.Float64Range(-180, 180).Draw(t, "lon"),
						ExtraData:    rapid.StringN(0, 128, 512).Draw(t, "extra"),
					},
				},
			},
		}
		first, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		decoded, err := Unmarshal(first)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		second, err := Marshal(decoded)
		if err != nil {
			t.Fatalf("re-Marshal: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Fatalf("encoding not stable:\n first=%x\nsecond=%x", first, second)
		}
	})
}

func TestResponseKindMatchesRequestKind(t *testing.T) {
	req := &Request{Conversation: &ConversationRequest{ProfileSearch: &ProfileSearchRequest{}}}
	resp := &Response{
		Status:       StatusOk,
		Conversation: &ConversationResponse{ProfileSearch: &ProfileSearchResponse{}},
	}
	if req.Kind() != resp.Kind() {
		t.Errorf("request kind %v != response kind %v", req.Kind(), resp.Kind())
	}
}

func TestHighestCommon(t *testing.T) {
	tests := []struct {
		name    string
		offered [][]byte
		ok      bool
	}{
		{"exact", [][]byte{{1, 0, 0}}, true},
		{"amongOthers", [][]byte{{0, 9, 9}, {1, 0, 0}, {2, 0, 0}}, true},
		{"none", [][]byte{{2, 0, 0}}, false},
		{"malformed", [][]byte{{1, 0}}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := HighestCommon(tt.offered)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && v != ProtocolVersion {
				t.Errorf("version = %v, want %v", v, ProtocolVersion)
			}
		})
	}
}
