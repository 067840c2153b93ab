package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/schema"

	"school-chatbot/internal/config"
	"school-chatbot/internal/llmservice"
	"school-chatbot/internal/models"
)

const (
	questionKey        = "query"
	answerKey          = "text"
	sourceDocumentsKey = "source_documents"
	documentSeparator  = "\n\n"
)

// verbatimParser hands the completion back untouched. The default parser
// of an LLM chain trims whitespace.
type verbatimParser struct{}

var _ schema.OutputParser[any] = verbatimParser{}

func (verbatimParser) Parse(text string) (any, error) { return text, nil }

func (verbatimParser) ParseWithPrompt(text string, _ llms.PromptValue) (any, error) {
	return text, nil
}

func (verbatimParser) GetFormatInstructions() string { return "" }

func (verbatimParser) Type() string { return "verbatim_parser" }

type Source struct {
	File       string  `json:"file"`
	Page       int     `json:"page"`
	ChunkID    int     `json:"chunk_id"`
	Similarity float32 `json:"similarity"`
}

// Answer is a successful reply together with the chunks it was built from.
type Answer struct {
	Question     string   `json:"question"`
	Text         string   `json:"answer"`
	Sources      []Source `json:"sources"`
	PromptTokens int      `json:"prompt_tokens"`
}

// Chain answers questions by stuffing the retrieved chunks into the school
// prompt and sending it to the chat model.
type Chain struct {
	qa          chains.RetrievalQA
	prompt      prompts.PromptTemplate
	school      config.SchoolConfig
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// SchoolPrompt is the instruction template with the school block filled in.
// It still expects context and question.
func SchoolPrompt(school config.SchoolConfig) prompts.PromptTemplate {
	return prompts.PromptTemplate{
		Template:       models.PromptTemplate,
		InputVariables: []string{"context", "question"},
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		PartialVariables: map[string]any{
			"school_name":     school.Name,
			"school_address":  school.Address,
			"school_phone":    school.Phone,
			"school_homepage": school.Homepage,
		},
	}
}

func NewChain(llm llms.Model, retriever schema.Retriever, llmConfig *config.LLMConfig, school *config.SchoolConfig) *Chain {
	s := config.DefaultSchool()
	if school != nil {
		s = *school
	}
	prompt := SchoolPrompt(s)

	llmChain := chains.NewLLMChain(llm, prompt)
	llmChain.OutputParser = verbatimParser{}
	qa := chains.NewRetrievalQA(chains.NewStuffDocuments(llmChain), retriever)
	qa.ReturnSourceDocuments = true

	return &Chain{
		qa:          qa,
		prompt:      prompt,
		school:      s,
		maxTokens:   llmConfig.MaxTokens,
		temperature: llmConfig.Temperature,
		timeout:     llmConfig.Timeout,
	}
}

// Answer returns the model's completion for question verbatim, or a typed
// *Error saying what failed.
func (c *Chain) Answer(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &Error{Kind: KindInvalidInput, Err: ErrEmptyQuestion}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := chains.Call(ctx, c.qa, map[string]any{questionKey: question},
		chains.WithMaxTokens(c.maxTokens),
		chains.WithTemperature(c.temperature),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(err, ctxErr)
		}
		return nil, classify(KindGeneration, err)
	}

	text, _ := result[answerKey].(string)
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Kind: KindMalformed, Err: ErrEmptyCompletion}
	}

	docs, _ := result[sourceDocumentsKey].([]schema.Document)
	answer := &Answer{
		Question:     question,
		Text:         text,
		Sources:      make([]Source, 0, len(docs)),
		PromptTokens: c.promptTokens(question, docs),
	}
	for _, doc := range docs {
		answer.Sources = append(answer.Sources, sourceOf(doc))
	}

	log.Info().
		Int("documents", len(docs)).
		Int("prompt_tokens", answer.PromptTokens).
		Dur("took", time.Since(start)).
		Msg("Answered question")
	return answer, nil
}

// Ask never fails: errors are turned into the apology message.
func (c *Chain) Ask(ctx context.Context, question string) string {
	answer, err := c.Answer(ctx, question)
	if err != nil {
		log.Error().Err(err).Str("kind", string(KindOf(err))).Msg("Failed to answer question")
		return c.Apology(err)
	}
	return answer.Text
}

// Apology is the user-facing text for a failed answer. It carries the raw
// error message and the school phone number.
func (c *Chain) Apology(err error) string {
	reason := err.Error()
	var ragErr *Error
	if errors.As(err, &ragErr) {
		reason = ragErr.Err.Error()
	}
	return models.ApologyMessage(reason, c.school.Phone)
}

func (c *Chain) promptTokens(question string, docs []schema.Document) int {
	contents := make([]string, len(docs))
	for i, doc := range docs {
		contents[i] = doc.PageContent
	}
	prompt, err := c.prompt.Format(map[string]any{
		"context":  strings.Join(contents, documentSeparator),
		"question": question,
	})
	if err != nil {
		return 0
	}
	return llmservice.CountTokens(prompt)
}
