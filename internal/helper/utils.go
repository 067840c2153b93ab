package helper

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GenerateUUID creates a random unique UUID string
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %v", err)
	}
	return id.String(), nil
}

// GenerateHexID is a UUID without dashes, the form Edge TTS expects for
// connection and request ids.
func GenerateHexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// pretty print
func PrettyPrint(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("Error pretty printing")
		return
	}
	fmt.Println(string(b))
}

// MaskKey keeps the first and last four characters of a secret.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// EncodeAudioBase64 encodes audio bytes for embedding in JSON or a data URI.
func EncodeAudioBase64(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

func DecodeAudioBase64(encoded string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	return audio, nil
}

// AudioDataURI returns a data URI an <audio> element can play directly.
func AudioDataURI(audio []byte) string {
	return "data:audio/mpeg;base64," + EncodeAudioBase64(audio)
}
