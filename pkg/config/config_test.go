package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.json"), Values{RS485Baud: 9600})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Get().RS485Baud; got != 9600 {
		t.Fatalf("RS485Baud = %d, want 9600", got)
	}
}

func TestMergeSetPersistsAndMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path, Values{RS485Baud: 9600, MQTTPort: 1883, WiFiSSID: "original"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.MergeSet([]byte(`{"wifi_ssid":"farmnet"}`)); err != nil {
		t.Fatalf("MergeSet: %v", err)
	}

	got := s.Get()
	if got.WiFiSSID != "farmnet" {
		t.Fatalf("WiFiSSID = %q, want farmnet", got.WiFiSSID)
	}
	if got.RS485Baud != 9600 {
		t.Fatalf("RS485Baud = %d, want unchanged 9600", got.RS485Baud)
	}

	reloaded, err := Load(path, Values{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Get().WiFiSSID != "farmnet" {
		t.Fatalf("reloaded WiFiSSID = %q, want farmnet", reloaded.Get().WiFiSSID)
	}
	if reloaded.Get().MQTTPort != 1883 {
		t.Fatalf("reloaded MQTTPort = %d, want 1883", reloaded.Get().MQTTPort)
	}
}

func TestMergeSetRejectsInvalidJSON(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.json"), Values{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := s.MergeSet([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
