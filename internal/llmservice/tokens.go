package llmservice

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
)

const tokenEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

// CountTokens estimates the prompt size sent to the chat model. It returns
// 0 when the encoding cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding(tokenEncoding)
		if encodingErr != nil {
			log.Warn().Err(encodingErr).Msg("Token counting disabled")
		}
	})
	if encodingErr != nil {
		return 0
	}
	return len(encoding.Encode(text, nil, nil))
}
