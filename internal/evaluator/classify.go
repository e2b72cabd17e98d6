package evaluator

import (
	"context"
	"strings"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/provider"
)

// mismatchFactor scales the score when the classifier's label differs from
// the category the citizen picked.
const mismatchFactor = 0.5

// Classification asks the content classifier whether the report text
// describes a plausible incident of its category.
type Classification struct {
	invoker Invoker
}

// NewClassification creates the content classification evaluator.
func NewClassification(invoker Invoker) *Classification {
	return &Classification{invoker: invoker}
}

func (c *Classification) Key() model.LevelKey { return model.LevelContentClassification }

func (c *Classification) Service() model.ServiceKey { return model.ServiceContentClassifier }

func (c *Classification) Evaluate(ctx context.Context, r *model.Report, ec EvalContext, svc model.ServiceConfig) (model.LevelResult, error) {
	resp, err := c.invoker.Invoke(ctx, svc, provider.Payload{
		"title":       r.Title,
		"description": r.Description,
		"category":    r.Category,
	}, remaining(ctx, DefaultTimeout))
	if err != nil {
		return fromProviderError(c.Key(), err)
	}

	label, _ := resp.Body["label"].(string)
	plausible, okPlausible := resp.Body["plausible"].(bool)
	confidence, okConf := numberField(resp.Body, "confidence")
	if !okPlausible || !okConf {
		res := model.Unavailable(c.Key(), "malformed provider response")
		res.Detail["provider"] = resp.Provider
		return res, nil
	}
	confidence = min(max(confidence, 0), 1)

	matches := label == "" || r.Category == "" || strings.EqualFold(strings.TrimSpace(label), r.Category)
	score := 0.0
	if plausible {
		score = ec.Level.MaxScore * confidence
		if !matches {
			score *= mismatchFactor
		}
	}
	return model.LevelResult{
		LevelKey: c.Key(),
		Score:    score,
		Status:   model.LevelOK,
		Detail: map[string]any{
			"provider":       resp.Provider,
			"label":          label,
			"confidence":     confidence,
			"plausible":      plausible,
			"category_match": matches,
		},
	}, nil
}
