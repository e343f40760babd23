// Package grading scores exam answers and measures progress. Everything here
// is a pure function of the exam's questions and an answer map.
package grading

import (
	"math"
	"strings"

	"github.com/stemsi/examroom/internal/model"
)

// Normalize trims surrounding whitespace and lowercases s.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsCorrect reports whether answer matches the question's reference answer.
// No partial credit and no fuzzy matching beyond Normalize.
func IsCorrect(q *model.Question, answer string) bool {
	return Normalize(answer) == Normalize(q.CorrectAnswer)
}

// Score sums the points of every question answered correctly.
func Score(questions []model.Question, answers map[string]string) float64 {
	var total float64
	for i := range questions {
		q := &questions[i]
		ans, ok := answers[q.ID]
		if !ok {
			continue
		}
		if IsCorrect(q, ans) {
			total += q.Points
		}
	}
	return total
}

// MaxScore is the score of a fully correct attempt.
func MaxScore(questions []model.Question) float64 {
	var total float64
	for i := range questions {
		total += questions[i].Points
	}
	return total
}

// Answered counts the exam's questions holding a non-blank answer. Keys that
// are not questions of the exam are ignored.
func Answered(questions []model.Question, answers map[string]string) int {
	n := 0
	for i := range questions {
		if strings.TrimSpace(answers[questions[i].ID]) != "" {
			n++
		}
	}
	return n
}

// Progress returns round(100 * answered / total), 0 for an empty exam.
func Progress(questions []model.Question, answers map[string]string) int {
	if len(questions) == 0 {
		return 0
	}
	return int(math.Round(100 * float64(Answered(questions, answers)) / float64(len(questions))))
}
