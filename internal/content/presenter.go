package content

import (
	"sort"

	"github.com/microcosm-cc/bluemonday"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// Presenter converts questions into learner-facing views: correctness data is removed
// and authored markup is sanitised.
type Presenter struct {
	policy *bluemonday.Policy
}

// NewPresenter builds a presenter that allows user-generated-content markup.
func NewPresenter() *Presenter {
	return &Presenter{policy: bluemonday.UGCPolicy()}
}

// Present builds the views of a question list, in order.
func (p *Presenter) Present(questions []models.Question) []dto.QuestionView {
	views := make([]dto.QuestionView, 0, len(questions))
	for index, question := range questions {
		view := dto.QuestionView{
			Index:  index,
			Kind:   string(question.Kind),
			Prompt: p.policy.Sanitize(question.Prompt),
			Points: question.Weight(),
		}

		for _, choice := range question.Choices {
			view.Choices = append(view.Choices, p.policy.Sanitize(choice))
		}

		if len(question.Pairs) > 0 {
			options := make([]string, 0, len(question.Pairs))
			for _, pair := range question.Pairs {
				view.MatchPrompts = append(view.MatchPrompts, p.policy.Sanitize(pair.Prompt))
				options = append(options, p.policy.Sanitize(pair.Answer))
			}
			sort.Strings(options)
			view.MatchOptions = options
		}

		views = append(views, view)
	}
	return views
}
