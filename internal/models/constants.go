package models

import "fmt"

const (
	MetaSource  = "source"
	MetaPage    = "page"
	MetaChunkID = "chunk_id"
)

// PromptTemplate is rendered with Go template syntax; {{.context}} and
// {{.question}} are filled by the retrieval chain, the school fields by
// SchoolPrompt.
const PromptTemplate = `당신은 {{.school_name}}를 소개하는 친절하고 전문적인 AI 도우미입니다.

아래 제공된 학교 자료를 바탕으로 학생, 학부모, 방문자의 질문에 정확하고 친절하게 답변해주세요.

답변 시 다음 규칙을 따라주세요:
1. 친절하고 정중한 말투를 사용하세요
2. 제공된 문서의 정보만을 사용하여 답변하세요
3. 구체적이고 명확하게 설명하세요
4. 문서에 없는 정보는 "제공된 자료에는 해당 정보가 없습니다. 학교에 직접 문의해주시기 바랍니다 ({{.school_phone}})"라고 답변하세요
5. 가능하면 예시나 부연 설명을 추가하세요

학교 정보:
- 학교명: {{.school_name}}
- 주소: {{.school_address}}
- 전화: {{.school_phone}}
- 홈페이지: {{.school_homepage}}

문서 내용:
{{.context}}

질문: {{.question}}

답변:`

// NoInformationMessage is the reply the prompt asks for when the documents
// do not cover the question.
func NoInformationMessage(phone string) string {
	return fmt.Sprintf("제공된 자료에는 해당 정보가 없습니다. 학교에 직접 문의해주시기 바랍니다 (%s)", phone)
}

// ApologyMessage is shown instead of an answer when the chain fails.
func ApologyMessage(reason, phone string) string {
	return fmt.Sprintf("죄송합니다. 답변 생성 중 오류가 발생했습니다.\n\n"+
		"오류 내용: %s\n\n"+
		"학교에 직접 문의해주시기 바랍니다.\n"+
		"📞 %s", reason, phone)
}

// WelcomeMessage greets a fresh session.
func WelcomeMessage(schoolName string) string {
	return fmt.Sprintf("안녕하세요! %s AI 도우미입니다. 학교에 대해 궁금한 점을 물어보세요.", schoolName)
}
