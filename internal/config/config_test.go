package config

import "testing"

// memBackend is an in-memory test double for Backend.
type memBackend struct {
	data map[string]any
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error {
	m.data[key] = val
	return nil
}
func (m *memBackend) Delete(key string) error { delete(m.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(&memBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4800 {
		t.Errorf("Server.Port = %d, want 4800", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.ChatModel != "llama3.1" {
		t.Errorf("Ollama.ChatModel = %q", cfg.Ollama.ChatModel)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Threshold != 0.4 {
		t.Errorf("Retrieval.Threshold = %v, want 0.4", cfg.Retrieval.Threshold)
	}
	if cfg.Generation.MaxTokens != 1024 {
		t.Errorf("Generation.MaxTokens = %d, want 1024", cfg.Generation.MaxTokens)
	}
	if cfg.Generation.Temperature != 0.3 {
		t.Errorf("Generation.Temperature = %v, want 0.3", cfg.Generation.Temperature)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestBackendValuesApplied(t *testing.T) {
	b := &memBackend{data: map[string]any{
		"server.port":            5000,
		"ollama.chat_model":      "mistral",
		"storage.data_dir":       "/tmp/coursebot-test",
		"retrieval.top_k":        8,
		"retrieval.threshold":    "0.6",
		"generation.temperature": "0.7",
	}}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.ChatModel != "mistral" {
		t.Errorf("Ollama.ChatModel = %q", cfg.Ollama.ChatModel)
	}
	if cfg.Storage.DataDir != "/tmp/coursebot-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("Retrieval.TopK = %d, want 8", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.Threshold != 0.6 {
		t.Errorf("Retrieval.Threshold = %v, want 0.6", cfg.Retrieval.Threshold)
	}
	if cfg.Generation.Temperature != 0.7 {
		t.Errorf("Generation.Temperature = %v, want 0.7", cfg.Generation.Temperature)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := &memBackend{data: map[string]any{
		"server.port": 5000,
	}}

	t.Setenv("COURSEBOT_SERVER_PORT", "6000")
	t.Setenv("COURSEBOT_RETRIEVAL_THRESHOLD", "0.25")
	t.Setenv("COURSEBOT_SERVER_TOKEN", "env-token")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
	if cfg.Retrieval.Threshold != 0.25 {
		t.Errorf("Retrieval.Threshold = %v, want 0.25", cfg.Retrieval.Threshold)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Server.Token = %q, want env-token", cfg.Server.Token)
	}
}

func TestInvalidEnvValueIgnored(t *testing.T) {
	t.Setenv("COURSEBOT_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(&memBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4800 {
		t.Errorf("Server.Port = %d, want default 4800", cfg.Server.Port)
	}
}

func TestSetKeyUnknown(t *testing.T) {
	if err := SetKey("nonexistent.key", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidKeysExcludeSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "server.token" {
			t.Fatal("secret key listed in ValidKeys")
		}
	}
}
