package model

// QuestionType enumerates supported question kinds.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeTrueFalse      QuestionType = "TRUE_FALSE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Question represents a single exam question.
// Options is non-empty only for multiple choice.
type Question struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"type"`
	Text          string       `json:"text"`
	Options       []string     `json:"options"`
	CorrectAnswer string       `json:"correct_answer"`
	Points        float64      `json:"points"`
	OrderNum      int          `json:"order_num"`
}

// QuestionForStudent is a question without the correct answer.
type QuestionForStudent struct {
	ID       string       `json:"id"`
	Type     QuestionType `json:"type"`
	Text     string       `json:"text"`
	Options  []string     `json:"options"`
	Points   float64      `json:"points"`
	OrderNum int          `json:"order_num"`
}

// AddQuestionRequest is one question inside CreateExamRequest.
type AddQuestionRequest struct {
	ID            string   `json:"id" binding:"required,max=64"`
	Type          string   `json:"type" binding:"required,oneof=MULTIPLE_CHOICE TRUE_FALSE SHORT_ANSWER ESSAY"`
	Text          string   `json:"text" binding:"required,min=1,max=2000"`
	Options       []string `json:"options" binding:"omitempty,dive,required,max=500"`
	CorrectAnswer string   `json:"correct_answer" binding:"required,max=2000"`
	Points        float64  `json:"points" binding:"min=0"`
}
