package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{
			"top level",
			map[string]any{"log_level": "info", "max_concurrent": float64(4)},
			map[string]any{"log_level": "info", "max_concurrent": float64(4)},
		},
		{
			"nested",
			map[string]any{
				"llm":   map[string]any{"provider": "openai", "temperature": 0.7},
				"sweep": map[string]any{"schedule": "@every 5m"},
			},
			map[string]any{"llm.provider": "openai", "llm.temperature": 0.7, "sweep.schedule": "@every 5m"},
		},
		{
			"deep",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}},
			map[string]any{"a.b.c": true},
		},
		{
			"empty nested map",
			map[string]any{"mapbox": map[string]any{}, "data_dir": "/tmp"},
			map[string]any{"data_dir": "/tmp"},
		},
		{
			"non-map values kept whole",
			map[string]any{"list": []any{"x", "y"}, "nothing": nil},
			map[string]any{"list": []any{"x", "y"}, "nothing": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Flatten() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnflatten(t *testing.T) {
	got := Unflatten(map[string]any{
		"log_level":                    "debug",
		"llm.model":                    "gpt-4o",
		"llm.max_tokens":               float64(4096),
		"agents.sign_reader_rounds":    float64(10),
		"agents.location_agent_rounds": float64(5),
	})
	want := map[string]any{
		"log_level": "debug",
		"llm":       map[string]any{"model": "gpt-4o", "max_tokens": float64(4096)},
		"agents":    map[string]any{"sign_reader_rounds": float64(10), "location_agent_rounds": float64(5)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Unflatten() = %v, want %v", got, want)
	}

	if got := Unflatten(map[string]any{}); len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestUnflattenLeafAndPrefix(t *testing.T) {
	got := Unflatten(map[string]any{"custom": "x", "custom.setting": "y"})
	child, ok := got["custom"].(map[string]any)
	if !ok || child["setting"] != "y" {
		t.Errorf("prefix key should win as a map, got %v", got)
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/home/test/.towdyouso"
	cfg.LLM.APIKey = "sk-roundtrip"
	cfg.Telegram.Token = "123:abc"

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if back := Unflatten(Flatten(m)); !reflect.DeepEqual(back, m) {
		t.Errorf("round trip changed the map:\n got %v\nwant %v", back, m)
	}
}

func TestMaskSecrets(t *testing.T) {
	got := MaskSecrets(map[string]any{
		"llm.provider":        "openai",
		"llm.api_key":         "sk-test123456",
		"brave.api_key":       "BSA-abcdef1234",
		"telegram.token":      "123456:ABCdefGHIjkl",
		"mapbox.access_token": "pk.eyJ1Ijoi9876",
		"roboflow.api_key":    "rf-key-4321",
		"anthropic.api_key":   "",
		"storage.dsn":         "ab",
		"log_level":           "info",
	})
	want := map[string]any{
		"llm.provider":        "openai",
		"llm.api_key":         "***3456",
		"brave.api_key":       "***1234",
		"telegram.token":      "***Ijkl",
		"mapbox.access_token": "***9876",
		"roboflow.api_key":    "***4321",
		"anthropic.api_key":   "",
		"storage.dsn":         "***ab",
		"log_level":           "info",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MaskSecrets() = %v, want %v", got, want)
	}
}

func TestMaskShortValues(t *testing.T) {
	for in, want := range map[string]string{"ab": "***ab", "abcd": "***abcd", "abcde": "***bcde"} {
		if got := mask(in); got != want {
			t.Errorf("mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"llm.api_key", "mapbox.access_token", "roboflow.api_key", "telegram.token"} {
		if !IsSecretKey(k) {
			t.Errorf("%s should be secret", k)
		}
	}
	for _, k := range []string{"llm.model", "http.listen", "roboflow.workflow_url"} {
		if IsSecretKey(k) {
			t.Errorf("%s should not be secret", k)
		}
	}
}
