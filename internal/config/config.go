// Package config loads the coursebot configuration from defaults, an
// XDG config file, and COURSEBOT_* environment variables, in that
// order of precedence.
package config

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Retrieval  RetrievalConfig
	Generation GenerationConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// Token enables bearer auth on the HTTP API when non-empty.
	Token string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK int
	// Threshold is the minimum similarity score for a chunk to count
	// as relevant.
	Threshold float64
	// Expansions is how many alternative query phrasings to generate
	// before searching. 0 disables expansion.
	Expansions int
}

type GenerationConfig struct {
	MaxTokens   int
	Temperature float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4800,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			Threshold: 0.4,
		},
		Generation: GenerationConfig{
			MaxTokens:   1024,
			Temperature: 0.3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/coursebot/config.json, then applies COURSEBOT_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
