package whisper

import (
	"fmt"
	"log"
)

// Engine names accepted by NewRecognizer.
const (
	EngineCLI    = "whisper-cli"
	EngineServer = "whisper.cpp"
	EngineOpenAI = "openai"
)

type Config struct {
	Engine    string
	ServerURL string
	OpenAIKey string
	CLIPath   string
	ModelPath string
	ModelURL  string
	Splitter  Splitter
}

// NewRecognizer builds the engine named by cfg.Engine.
func NewRecognizer(cfg Config) (Recognizer, error) {
	switch cfg.Engine {
	case EngineCLI, "":
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("whisper-cli requires a model path")
		}
		log.Printf("[whisper] using whisper-cli %s with model %s", cfg.CLIPath, cfg.ModelPath)
		return NewCLIRecognizer(cfg.CLIPath, cfg.ModelPath, cfg.ModelURL), nil
	case EngineServer:
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("whisper.cpp engine requires a server URL")
		}
		log.Printf("[whisper] using whisper.cpp server at %s", cfg.ServerURL)
		return NewWhisperCppClient(cfg.ServerURL), nil
	case EngineOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai engine requires an API key")
		}
		log.Printf("[whisper] using OpenAI Whisper API")
		return NewOpenAIWhisperClient(cfg.OpenAIKey, cfg.Splitter), nil
	}
	return nil, fmt.Errorf("unknown whisper engine: %s (available: %s, %s, %s)",
		cfg.Engine, EngineCLI, EngineServer, EngineOpenAI)
}
