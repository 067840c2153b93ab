package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"school-chatbot/internal/chromemdb"
	"school-chatbot/internal/config"
	"school-chatbot/internal/models"
)

const dims = 64

// runeEmbedder buckets runes into a fixed-size vector. Texts sharing
// characters end up close to each other.
type runeEmbedder struct{}

func (runeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, dims)
	v[0] = 1
	for _, r := range strings.ToLower(text) {
		v[1+int(r)%(dims-1)]++
	}
	return v, nil
}

func (e runeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.EmbedQuery(ctx, text)
	}
	return out, nil
}

// scriptedModel records every prompt and answers through reply.
type scriptedModel struct {
	mu      sync.Mutex
	prompts []string
	reply   func(ctx context.Context, prompt string) (string, error)
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var b strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				b.WriteString(text.Text)
			}
		}
	}
	prompt := b.String()

	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	out, err := m.reply(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *scriptedModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// between returns the text after the first start marker up to the next end
// marker.
func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		return s[:j]
	}
	return s
}

// schoolAssistant behaves like an obedient model: it quotes the context line
// that answers a phone question, otherwise it gives the fallback sentence
// the prompt prescribes.
func schoolAssistant(_ context.Context, prompt string) (string, error) {
	docs := between(prompt, "문서 내용:\n", "\n\n질문:")
	question := between(prompt, "질문: ", "\n")
	if strings.Contains(question, "전화") {
		for _, line := range strings.Split(docs, "\n") {
			if strings.Contains(line, "Phone") {
				return "학교 전화번호는 " + strings.TrimSpace(strings.TrimPrefix(line, "Phone:")) + " 입니다.", nil
			}
		}
	}
	return between(prompt, `"`, `"`), nil
}

func writePDF(t *testing.T, path string, lines ...string) {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCompression(false)
	doc.SetFont("Helvetica", "", 12)
	doc.AddPage()
	for _, line := range lines {
		doc.Cell(0, 10, line)
		doc.Ln(10)
	}
	require.NoError(t, doc.OutputFileAndClose(path))
}

func testConfig(docsPath string) *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     5 * time.Second,
		},
		RAG: config.RAGConfig{
			DocsPath:       docsPath,
			Extensions:     []string{".pdf"},
			ChunkSize:      1000,
			ChunkOverlap:   200,
			TopK:           3,
			CollectionName: "school_docs",
		},
		School: config.DefaultSchool(),
	}
}

func newTestService(t *testing.T, cfg *config.Config, model llms.Model) *Service {
	t.Helper()
	idx, err := BuildIndex(context.Background(), &cfg.RAG, runeEmbedder{})
	require.NoError(t, err)
	return NewService(cfg, model, runeEmbedder{}, idx)
}

// memoryIndex builds an index straight from chunks, without documents on disk.
func memoryIndex(t *testing.T, chunks []models.Chunk) *Index {
	t.Helper()
	store, err := chromemdb.NewVectorDBManager("mem", nil)
	require.NoError(t, err)
	vectors, err := runeEmbedder{}.EmbedDocuments(context.Background(), contents(chunks))
	require.NoError(t, err)
	require.NoError(t, store.AddChunks(context.Background(), chunks, vectors))
	return &Index{store: store, embedder: runeEmbedder{}, builtAt: time.Now()}
}

func contents(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func TestAsk_PhoneNumberFromDocument(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "school.pdf"), "Seongdong Global Business High School", "Phone: 02-2252-1932")

	model := &scriptedModel{reply: schoolAssistant}
	svc := newTestService(t, testConfig(dir), model)

	answer := svc.Ask(context.Background(), "학교 전화번호는?")
	assert.Contains(t, answer, "02-2252-1932")
	assert.Contains(t, model.lastPrompt(), "Phone: 02-2252-1932", "the retrieved chunk is stuffed into the prompt")
	assert.Contains(t, model.lastPrompt(), "질문: 학교 전화번호는?")
}

func TestAsk_NoRelevantContentFallsBackToPhone(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "menu.pdf"), "Cafeteria menu: rice, kimchi, soup")

	cfg := testConfig(dir)
	cfg.School.Phone = "02-0000-0000"
	svc := newTestService(t, cfg, &scriptedModel{reply: schoolAssistant})

	answer := svc.Ask(context.Background(), "수영장이 있나요?")
	assert.Equal(t, models.NoInformationMessage("02-0000-0000"), answer)
	assert.NotContains(t, answer, "답변:", "the reply is the fallback sentence, not an echo of the prompt")
}

func TestSchoolAssistant_QuotesFallbackSentence(t *testing.T) {
	prompt, err := SchoolPrompt(config.SchoolConfig{Name: "학교", Phone: "02-1111-2222"}).Format(map[string]any{
		"context":  "Cafeteria menu",
		"question": "수영장이 있나요?",
	})
	require.NoError(t, err)

	reply, err := schoolAssistant(context.Background(), prompt)
	require.NoError(t, err)
	assert.Equal(t, models.NoInformationMessage("02-1111-2222"), reply)
}

func TestAnswer_ReturnsCompletionVerbatimWithSources(t *testing.T) {
	idx := memoryIndex(t, []models.Chunk{
		{Content: "입학 안내: 원서 접수는 10월", Source: "guide.pdf", PageNumber: 2, ChunkID: 1},
	})

	for _, completion := range []string{
		"  **원서 접수**는 10월입니다.\n",
		"\n답변입니다.  \n",
		"원서 접수는 10월입니다.",
	} {
		model := &scriptedModel{reply: func(context.Context, string) (string, error) { return completion, nil }}
		chain := NewChain(model, NewRetriever(func() *Index { return idx }, 3), &testConfig("").LLM, nil)

		answer, err := chain.Answer(context.Background(), "원서 접수는 언제인가요?")
		require.NoError(t, err)
		assert.Equal(t, completion, answer.Text)
		assert.Equal(t, completion, chain.Ask(context.Background(), "원서 접수는 언제인가요?"))
		require.Len(t, answer.Sources, 1)
		assert.Equal(t, Source{File: "guide.pdf", Page: 2, ChunkID: 1, Similarity: answer.Sources[0].Similarity}, answer.Sources[0])
		assert.Greater(t, answer.PromptTokens, 0)
	}
}

func TestRetriever_AtMostKDocuments(t *testing.T) {
	var chunks []models.Chunk
	for i := 1; i <= 10; i++ {
		chunks = append(chunks, models.Chunk{Content: fmt.Sprintf("학교 자료 %d", i), Source: "a.pdf", PageNumber: i, ChunkID: 1})
	}
	idx := memoryIndex(t, chunks)

	for _, k := range []int{1, 3, 5} {
		docs, err := NewRetriever(func() *Index { return idx }, k).GetRelevantDocuments(context.Background(), "학교 자료")
		require.NoError(t, err)
		assert.Len(t, docs, k)
	}

	model := &scriptedModel{reply: func(context.Context, string) (string, error) { return "ok", nil }}
	chain := NewChain(model, NewRetriever(func() *Index { return idx }, 3), &testConfig("").LLM, nil)
	answer, err := chain.Answer(context.Background(), "학교 자료")
	require.NoError(t, err)
	assert.Len(t, answer.Sources, 3)
	assert.Equal(t, 3, strings.Count(model.lastPrompt(), "학교 자료 "))
}

func TestRetriever_SmallIndex(t *testing.T) {
	idx := memoryIndex(t, []models.Chunk{{Content: "only one", Source: "a.pdf", PageNumber: 1, ChunkID: 1}})
	docs, err := NewRetriever(func() *Index { return idx }, 3).GetRelevantDocuments(context.Background(), "one")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRetriever_NoIndex(t *testing.T) {
	_, err := NewRetriever(func() *Index { return nil }, 3).GetRelevantDocuments(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, KindRetrieval, KindOf(err))
	assert.ErrorIs(t, err, ErrIndexNotBuilt)
}

func TestAnswer_ErrorKinds(t *testing.T) {
	idx := memoryIndex(t, []models.Chunk{{Content: "학교", Source: "a.pdf", PageNumber: 1, ChunkID: 1}})
	current := func() *Index { return idx }

	tests := []struct {
		name     string
		question string
		reply    func(context.Context, string) (string, error)
		current  func() *Index
		kind     ErrorKind
	}{
		{
			name:     "blank question",
			question: "   ",
			kind:     KindInvalidInput,
		},
		{
			name:  "network failure",
			reply: func(context.Context, string) (string, error) { return "", errors.New("dial tcp: connection refused") },
			kind:  KindGeneration,
		},
		{
			name: "quota",
			reply: func(context.Context, string) (string, error) {
				return "", errors.New("API returned unexpected status code: 429: Rate limit exceeded")
			},
			kind: KindQuota,
		},
		{
			name:  "empty completion",
			reply: func(context.Context, string) (string, error) { return " \n", nil },
			kind:  KindMalformed,
		},
		{
			name: "timeout",
			reply: func(ctx context.Context, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			kind: KindTimeout,
		},
		{
			name:    "no index",
			current: func() *Index { return nil },
			kind:    KindRetrieval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := tt.reply
			if reply == nil {
				reply = func(context.Context, string) (string, error) { return "ok", nil }
			}
			src := tt.current
			if src == nil {
				src = current
			}
			question := tt.question
			if question == "" {
				question = "학교 소개"
			}

			llmCfg := testConfig("").LLM
			llmCfg.Timeout = 50 * time.Millisecond
			chain := NewChain(&scriptedModel{reply: reply}, NewRetriever(src, 3), &llmCfg, nil)

			_, err := chain.Answer(context.Background(), question)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			text := chain.Ask(context.Background(), question)
			assert.NotEmpty(t, text)
			assert.Contains(t, text, "02-2252-1932")
			assert.Contains(t, text, "죄송합니다")
		})
	}
}

func TestAsk_ApologyCarriesRawError(t *testing.T) {
	idx := memoryIndex(t, []models.Chunk{{Content: "학교", Source: "a.pdf", PageNumber: 1, ChunkID: 1}})
	model := &scriptedModel{reply: func(context.Context, string) (string, error) {
		return "", errors.New("upstream exploded")
	}}
	chain := NewChain(model, NewRetriever(func() *Index { return idx }, 3), &testConfig("").LLM, nil)

	assert.Equal(t, models.ApologyMessage("upstream exploded", "02-2252-1932"), chain.Ask(context.Background(), "학교"))
}

func TestBuildIndex_EmptyFolderIsConfigError(t *testing.T) {
	cfg := testConfig(t.TempDir())
	_, err := BuildIndex(context.Background(), &cfg.RAG, runeEmbedder{})
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestBuildIndex_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "school.pdf"), "Phone: 02-2252-1932")

	cfg := testConfig(dir)
	cfg.RAG.SnapshotPath = filepath.Join(t.TempDir(), "index.gob.gz")
	cfg.RAG.EncryptionKey = strings.Repeat("s", 32)

	built, err := BuildIndex(context.Background(), &cfg.RAG, runeEmbedder{})
	require.NoError(t, err)

	loaded, err := LoadIndex(&cfg.RAG, runeEmbedder{})
	require.NoError(t, err)
	assert.Equal(t, built.Len(), loaded.Len())

	docs, err := loaded.Search(context.Background(), "phone", 3)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Contains(t, docs[0].PageContent, "02-2252-1932")
}

func TestService_Refresh(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "a.pdf"), "Phone: 02-2252-1932")

	svc := newTestService(t, testConfig(dir), &scriptedModel{reply: schoolAssistant})
	before := svc.Index()
	assert.Equal(t, 1, svc.Len())
	assert.Equal(t, before.BuiltAt(), svc.BuiltAt())

	writePDF(t, filepath.Join(dir, "b.pdf"), "Address: 375 Toegye-ro")
	n, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NotSame(t, before, svc.Index(), "refresh swaps in a new index")
	assert.False(t, svc.BuiltAt().Before(before.BuiltAt()))
	assert.Equal(t, 1, before.Len(), "the old index is never modified")
}

func TestService_RefreshFailureKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	writePDF(t, filepath.Join(dir, "a.pdf"), "Phone: 02-2252-1932")

	cfg := testConfig(dir)
	svc := newTestService(t, cfg, &scriptedModel{reply: schoolAssistant})
	before := svc.Index()

	svc.cfg.DocsPath = filepath.Join(dir, "missing")
	_, err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.Same(t, before, svc.Index())
	assert.Contains(t, svc.Ask(context.Background(), "학교 전화번호는?"), "02-2252-1932")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTimeout, classify(KindGeneration, fmt.Errorf("wrapped: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindQuota, classify(KindGeneration, errors.New("You exceeded your current quota")).Kind)
	assert.Equal(t, KindRetrieval, classify(KindGeneration, &Error{Kind: KindRetrieval, Err: errors.New("boom")}).Kind)
	assert.Equal(t, KindGeneration, classify(KindGeneration, errors.New("boom")).Kind)
}

func TestClassify_QuotaStatus(t *testing.T) {
	tests := []struct {
		msg  string
		kind ErrorKind
	}{
		{"API returned unexpected status code: 429: Rate limit exceeded", KindQuota},
		{"API returned unexpected status code: 429", KindQuota},
		{"429 Too Many Requests", KindQuota},
		{"API returned unexpected status code: 500", KindGeneration},
		{"prompt is 14290 tokens, maximum context length is 8192", KindGeneration},
		{"request id 4291 failed", KindGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.kind, classify(KindGeneration, errors.New(tt.msg)).Kind)
		})
	}
}
