package api

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"school-chatbot/internal/models"
	"school-chatbot/internal/rag"
)

var validate = validator.New()

type Validater interface {
	Validate() map[string]string
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func validateStruct(params any) map[string]string {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"request": err.Error()}
	}
	errors := make(map[string]string)
	for _, e := range errs {
		errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
	}
	return errors
}

type AskParams struct {
	Question string `json:"question" validate:"required,max=2000"`
	Speak    bool   `json:"speak"`
}

func (params *AskParams) Validate() map[string]string {
	return validateStruct(params)
}

type SpeakParams struct {
	Text string `json:"text" validate:"required,max=5000"`
}

func (params *SpeakParams) Validate() map[string]string {
	return validateStruct(params)
}

// AskResponse always carries an answer. Failures of the chain show up as
// the apology text plus ErrorKind, failures of speech as Warning.
type AskResponse struct {
	SessionID   string       `json:"session_id"`
	Answer      string       `json:"answer"`
	HTML        string       `json:"html"`
	Sources     []rag.Source `json:"sources"`
	AudioBase64 string       `json:"audio_base64,omitempty"`
	AudioURI    string       `json:"audio_uri,omitempty"`
	Warning     string       `json:"warning,omitempty"`
	ErrorKind   string       `json:"error_kind,omitempty"`
}

type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []models.Message `json:"messages"`
	HasAudio  bool             `json:"has_audio"`
}

type RefreshResponse struct {
	Chunks int `json:"chunks"`
}
