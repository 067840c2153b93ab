package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr           = ":8501"
	defaultSessionTTL     = 2 * time.Hour
	defaultBaseURL        = "https://openrouter.ai/api/v1"
	defaultChatModel      = "google/gemini-2.0-flash-exp:free"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTemperature    = 0.7
	defaultMaxTokens      = 1000
	defaultLLMTimeout     = 60 * time.Second
	defaultReferer        = "https://sdglobal.sen.hs.kr/"
	defaultTitle          = "성동글로벌경영고 AI 챗봇"
	defaultDocsPath       = "data/school_docs"
	defaultChunkSize      = 1000
	defaultChunkOverlap   = 200
	defaultTopK           = 3
	defaultEmbedBatchSize = 64
	defaultCollection     = "school_docs"
	defaultVoice          = "ko-KR-SunHiNeural"
	defaultRate           = "+0%"
	defaultPitch          = "+0Hz"
	defaultVolume         = "+0%"
	defaultTTSTimeout     = 30 * time.Second
	defaultModelURL       = "https://pixiv.github.io/three-vrm/packages/three-vrm/examples/models/VRM1_Constraint_Twist_Sample.vrm"
	defaultLogLevel       = "info"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	RAG    RAGConfig    `yaml:"rag"`
	TTS    TTSConfig    `yaml:"tts"`
	Avatar AvatarConfig `yaml:"avatar"`
	School SchoolConfig `yaml:"school"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	AdminToken string        `yaml:"admin_token"`
}

// LLMConfig describes the OpenAI-compatible endpoint used for both chat
// completions and embeddings.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Key            string        `yaml:"key"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	Timeout        time.Duration `yaml:"timeout"`
	Referer        string        `yaml:"referer"`
	Title          string        `yaml:"title"`
}

type RAGConfig struct {
	DocsPath       string   `yaml:"docs_path"`
	Extensions     []string `yaml:"extensions"`
	ChunkSize      int      `yaml:"chunk_size"`
	ChunkOverlap   int      `yaml:"chunk_overlap"`
	TopK           int      `yaml:"top_k"`
	EmbedBatchSize int      `yaml:"embed_batch_size"`
	CollectionName string   `yaml:"collection_name"`
	SnapshotPath   string   `yaml:"snapshot_path"`
	EncryptionKey  string   `yaml:"encryption_key"`
}

type TTSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Voice   string        `yaml:"voice"`
	Rate    string        `yaml:"rate"`
	Pitch   string        `yaml:"pitch"`
	Volume  string        `yaml:"volume"`
	Timeout time.Duration `yaml:"timeout"`
}

type AvatarConfig struct {
	ModelURL string `yaml:"model_url"`
}

// SchoolConfig is injected into the prompt and the apology message.
type SchoolConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Phone    string `yaml:"phone"`
	Homepage string `yaml:"homepage"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Error is a configuration error. It is fatal at startup.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// LoadConfig reads the yaml file at path (optional), applies .env and
// environment overrides, then fills defaults.
func LoadConfig(path string) (*Config, error) {
	// seeded before decoding so an explicit false or 0 in the file survives
	cfg := &Config{
		LLM: LLMConfig{Temperature: defaultTemperature},
		TTS: TTSConfig{Enabled: true},
		Log: LogConfig{Pretty: true},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &Error{Field: "file", Msg: "invalid yaml in " + path, Err: err}
			}
		case errors.Is(err, os.ErrNotExist):
			// env + defaults only
		default:
			return nil, err
		}
	}

	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	applyEnv(cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.LLM.Key, "OPENROUTER_API_KEY")
	setString(&cfg.LLM.BaseURL, "OPENROUTER_BASE_URL")
	setString(&cfg.RAG.DocsPath, "SCHOOL_DOCS_PATH")
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.TTS.Voice, "TTS_VOICE")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.SessionTTL <= 0 {
		c.Server.SessionTTL = defaultSessionTTL
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultBaseURL
	}
	c.LLM.BaseURL = strings.TrimSuffix(c.LLM.BaseURL, "/")
	if c.LLM.Model == "" {
		c.LLM.Model = defaultChatModel
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = defaultEmbeddingModel
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = defaultMaxTokens
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = defaultLLMTimeout
	}
	if c.LLM.Referer == "" {
		c.LLM.Referer = defaultReferer
	}
	if c.LLM.Title == "" {
		c.LLM.Title = defaultTitle
	}

	if c.RAG.DocsPath == "" {
		c.RAG.DocsPath = defaultDocsPath
	}
	if len(c.RAG.Extensions) == 0 {
		c.RAG.Extensions = []string{".pdf"}
	}
	for i, ext := range c.RAG.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.RAG.Extensions[i] = ext
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = defaultChunkSize
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = defaultChunkOverlap
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = defaultTopK
	}
	if c.RAG.EmbedBatchSize == 0 {
		c.RAG.EmbedBatchSize = defaultEmbedBatchSize
	}
	if c.RAG.CollectionName == "" {
		c.RAG.CollectionName = defaultCollection
	}

	if c.TTS.Voice == "" {
		c.TTS.Voice = defaultVoice
	}
	if c.TTS.Rate == "" {
		c.TTS.Rate = defaultRate
	}
	if c.TTS.Pitch == "" {
		c.TTS.Pitch = defaultPitch
	}
	if c.TTS.Volume == "" {
		c.TTS.Volume = defaultVolume
	}
	if c.TTS.Timeout <= 0 {
		c.TTS.Timeout = defaultTTSTimeout
	}

	if c.Avatar.ModelURL == "" {
		c.Avatar.ModelURL = defaultModelURL
	}

	school := DefaultSchool()
	if c.School.Name == "" {
		c.School.Name = school.Name
	}
	if c.School.Address == "" {
		c.School.Address = school.Address
	}
	if c.School.Phone == "" {
		c.School.Phone = school.Phone
	}
	if c.School.Homepage == "" {
		c.School.Homepage = school.Homepage
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

// DefaultSchool is the school the bot answers for when none is configured.
func DefaultSchool() SchoolConfig {
	return SchoolConfig{
		Name:     "성동글로벌경영고등학교",
		Address:  "서울 중구 퇴계로 375 (신당동)",
		Phone:    "02-2252-1932",
		Homepage: "https://sdglobal.sen.hs.kr/",
	}
}

// Validate checks the values that cannot be defaulted. It does not touch
// the document folder; that is checked when the index is built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Key) == "" {
		return &Error{Field: "llm.key", Msg: "API key is missing (set OPENROUTER_API_KEY)"}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return &Error{Field: "llm.temperature", Msg: "must be in [0, 2]"}
	}
	if c.RAG.ChunkSize < 0 {
		return &Error{Field: "rag.chunk_size", Msg: "must be positive"}
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return &Error{Field: "rag.chunk_overlap", Msg: fmt.Sprintf("must be in [0, %d)", c.RAG.ChunkSize)}
	}
	if c.RAG.TopK < 0 {
		return &Error{Field: "rag.top_k", Msg: "must be positive"}
	}
	if c.RAG.SnapshotPath != "" && len(c.RAG.EncryptionKey) != 32 {
		return &Error{Field: "rag.encryption_key", Msg: "must be 32 bytes when snapshot_path is set"}
	}
	return nil
}
