package evaluator

import (
	"context"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/provider"
)

// ImageIntegrity asks the image forensics service how likely the report's
// media was manipulated.
type ImageIntegrity struct {
	invoker Invoker
}

// NewImageIntegrity creates the image integrity evaluator.
func NewImageIntegrity(invoker Invoker) *ImageIntegrity {
	return &ImageIntegrity{invoker: invoker}
}

func (e *ImageIntegrity) Key() model.LevelKey { return model.LevelImageIntegrity }

func (e *ImageIntegrity) Service() model.ServiceKey { return model.ServiceImageForensics }

func (e *ImageIntegrity) Evaluate(ctx context.Context, r *model.Report, ec EvalContext, svc model.ServiceConfig) (model.LevelResult, error) {
	if len(r.Media) == 0 {
		return model.LevelResult{
			LevelKey: e.Key(),
			Status:   model.LevelDegraded,
			Detail:   map[string]any{"reason": "no media"},
		}, nil
	}

	media := make([]map[string]any, 0, len(r.Media))
	for _, m := range r.Media {
		media = append(media, map[string]any{"url": m.URL, "content_type": m.ContentType})
	}
	resp, err := e.invoker.Invoke(ctx, svc, provider.Payload{
		"report_id": r.ID,
		"media":     media,
	}, remaining(ctx, DefaultTimeout))
	if err != nil {
		return fromProviderError(e.Key(), err)
	}

	p, ok := numberField(resp.Body, "manipulation_probability")
	if !ok {
		res := model.Unavailable(e.Key(), "malformed provider response")
		res.Detail["provider"] = resp.Provider
		return res, nil
	}
	p = min(max(p, 0), 1)
	return model.LevelResult{
		LevelKey: e.Key(),
		Score:    ec.Level.MaxScore * (1 - p),
		Status:   model.LevelOK,
		Detail: map[string]any{
			"provider":                 resp.Provider,
			"media_count":              len(r.Media),
			"manipulation_probability": p,
		},
	}, nil
}
