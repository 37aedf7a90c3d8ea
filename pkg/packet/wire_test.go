package packet

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestWireRoundTripPreservesPackets(t *testing.T) {
	for _, p := range testPackets() {
		data, err := Marshal(p)
		if err != nil {
			t.Fatalf("%s: marshal: %v", p.Type, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: unmarshal: %v", p.Type, err)
		}
		if got.Type != p.Type {
			t.Fatalf("expected type %s, got %s", p.Type, got.Type)
		}
		if !reflect.DeepEqual(got.ID, p.ID) {
			t.Errorf("%s: id mismatch: %+v vs %+v", p.Type, got.ID, p.ID)
		}
		if !reflect.DeepEqual(got.Routing, p.Routing) {
			t.Errorf("%s: routing mismatch: %+v vs %+v", p.Type, got.Routing, p.Routing)
		}
		if !got.Date.Equal(p.Date) {
			t.Errorf("%s: date mismatch: %v vs %v", p.Type, got.Date, p.Date)
		}
		if got.String() != p.String() {
			t.Errorf("%s: payload mismatch: %s vs %s", p.Type, got, p)
		}
	}
}

func TestDecodeServerFrame(t *testing.T) {
	raw := `{
		"result": {
			"packetId": {"packetId": "p9", "interactionId": "i9", "utteranceId": "u9"},
			"routing": {"source": {"type": "AGENT", "name": "bob"}, "targets": [{"type": "PLAYER"}]},
			"timestamp": "2024-05-01T12:00:00.5Z",
			"dataChunk": {"chunk": "AQID", "type": "AUDIO",
				"additionalPhonemeInfo": [{"phoneme": "a", "startOffsetMs": 120}]}
		}
	}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error != nil || env.Result == nil {
		t.Fatalf("expected result frame, got %+v", env)
	}
	p, err := Decode(*env.Result)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsAudio() {
		t.Fatalf("expected audio, got %s", p.Type)
	}
	if string(p.Audio.Chunk) != "\x01\x02\x03" {
		t.Errorf("unexpected chunk %v", p.Audio.Chunk)
	}
	if len(p.Audio.PhonemeTiming) != 1 || p.Audio.PhonemeTiming[0].StartOffset != 120*time.Millisecond {
		t.Errorf("unexpected phonemes %+v", p.Audio.PhonemeTiming)
	}
	if !p.Routing.Source.IsCharacter || p.Routing.Source.Name != "bob" {
		t.Errorf("unexpected source %+v", p.Routing.Source)
	}
	if !p.Routing.Targets[0].IsPlayer {
		t.Errorf("unexpected target %+v", p.Routing.Targets[0])
	}
}

func TestDecodeErrorEnvelope(t *testing.T) {
	raw := `{"error": {"code": 16, "message": "Session expired", "details": [{"reason": "x"}]}}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error == nil || env.Error.Code != 16 || env.Error.Message != "Session expired" {
		t.Fatalf("unexpected error frame %+v", env.Error)
	}
	if len(env.Error.Details) != 1 {
		t.Errorf("expected one detail, got %d", len(env.Error.Details))
	}
}

func TestDecodeSilenceAndControl(t *testing.T) {
	p, err := Unmarshal([]byte(`{"dataChunk": {"type": "SILENCE", "durationMs": 250}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsSilence() || p.Silence.Duration != 250*time.Millisecond {
		t.Errorf("unexpected silence packet %s", p)
	}

	p, err = Unmarshal([]byte(`{"control": {"action": "INTERACTION_END"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsInteractionEnd() {
		t.Errorf("expected interaction end, got %s", p)
	}

	p, err = Unmarshal([]byte(`{"control": {"action": "SOMETHING_NEW"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Control.Type != "SOMETHING_NEW" {
		t.Errorf("expected the action kept verbatim, got %s", p.Control.Type)
	}
}

func TestDecodeUnknownAndAmbiguous(t *testing.T) {
	p, err := Unmarshal([]byte(`{"packetId": {"packetId": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != TypeUnknown {
		t.Errorf("expected unknown, got %s", p.Type)
	}

	_, err = Unmarshal([]byte(`{"text": {"text": "a"}, "emotion": {"behavior": "JOY"}}`))
	if err == nil || !strings.Contains(err.Error(), "payloads") {
		t.Errorf("expected ambiguous payload error, got %v", err)
	}

	if _, err := Unmarshal([]byte(`{"timestamp": "yesterday"}`)); err == nil {
		t.Error("expected timestamp parse error")
	}
}

func TestUnrecognizedSubtypesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		keys []string
	}{
		{"control action", `{"control":{"action":"TTS_PLAYBACK_START"}}`, []string{"control"}},
		{"data chunk type", `{"dataChunk":{"type":"ANIMATION","chunk":"AQI=","durationMs":40}}`, []string{"dataChunk"}},
		{"custom type", `{"custom":{"name":"quest","type":"TASK","parameters":[{"name":"id","value":"7"}]}}`, []string{"custom"}},
		{"actor type", `{"routing":{"source":{"type":"SYSTEM","name":"director"},"targets":[{"type":"WORLD"}]},"text":{"text":"lights","final":true}}`, []string{"routing", "text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Unmarshal([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			data, err := Marshal(p)
			if err != nil {
				t.Fatalf("marshal %s: %v", p, err)
			}

			var in, out map[string]any
			if err := json.Unmarshal([]byte(tt.raw), &in); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatal(err)
			}
			for _, k := range tt.keys {
				if !reflect.DeepEqual(in[k], out[k]) {
					t.Errorf("%s changed: %v became %v", k, in[k], out[k])
				}
			}
		})
	}
}

func TestUnrecognizedSubtypesDecodeVerbatim(t *testing.T) {
	p, err := Unmarshal([]byte(`{"dataChunk":{"type":"ANIMATION","chunk":"AQI="}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != TypeUnknown || p.Unknown == nil || p.Unknown.Payload.DataChunk.Type != "ANIMATION" {
		t.Errorf("expected unknown packet keeping the chunk, got %s %+v", p, p.Unknown)
	}
	if p.IsAudio() {
		t.Error("an unrecognized chunk must not be played as audio")
	}

	p, err = Unmarshal([]byte(`{"custom":{"name":"quest","type":"TASK"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsTrigger() || p.Trigger.Kind != "TASK" {
		t.Errorf("expected trigger of kind TASK, got %s %+v", p, p.Trigger)
	}

	p, err = Unmarshal([]byte(`{"routing":{"source":{"type":"SYSTEM"}},"text":{"text":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if src := p.Routing.Source; src.IsPlayer || src.IsCharacter || src.Kind != "SYSTEM" {
		t.Errorf("unexpected source %+v", src)
	}
}

func TestEncodeUnknownFails(t *testing.T) {
	if _, err := Encode(NewUnknown(ID{}, Routing{}, time.Time{})); err == nil {
		t.Error("expected error encoding unknown packet")
	}
}

func TestEncodeFieldNames(t *testing.T) {
	f := NewEventFactory("alice")
	data, err := Marshal(f.CancelResponse("i1", []string{"u1"}))
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"cancelResponses"`, `"interactionId":"i1"`, `"utteranceId":["u1"]`, `"type":"PLAYER"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}
