package speech

import "time"

// RivaASRConfig 配置 Riva ASR NIM 客户端。
type RivaASRConfig struct {
	BaseURL  string        `json:"base_url" yaml:"base_url"`
	Model    string        `json:"model,omitempty" yaml:"model,omitempty"` // parakeet-ctc-1.1b
	Language string        `json:"language,omitempty" yaml:"language,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RivaTTSConfig 配置 Riva TTS NIM 客户端。
type RivaTTSConfig struct {
	BaseURL    string        `json:"base_url" yaml:"base_url"`
	Voice      string        `json:"voice,omitempty" yaml:"voice,omitempty"` // English-US.Female-1
	Language   string        `json:"language,omitempty" yaml:"language,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultRivaASRConfig 返回默认 ASR 配置。
func DefaultRivaASRConfig() RivaASRConfig {
	return RivaASRConfig{
		BaseURL:  "http://localhost:9000",
		Model:    "parakeet-ctc-1.1b",
		Language: "en-US",
		Timeout:  120 * time.Second,
	}
}

// DefaultRivaTTSConfig 返回默认 TTS 配置。
func DefaultRivaTTSConfig() RivaTTSConfig {
	return RivaTTSConfig{
		BaseURL:    "http://localhost:9010",
		Voice:      "English-US.Female-1",
		Language:   "en-US",
		SampleRate: 16000,
		Timeout:    60 * time.Second,
	}
}
