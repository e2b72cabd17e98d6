package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/report-verify/internal/config"
	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/resilience"
)

type mockAdapter struct {
	mock.Mock
	name string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Call(ctx context.Context, payload Payload, credential string, timeout time.Duration) (*Response, error) {
	args := m.Called(ctx, payload, credential, timeout)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("RV_TEST_KEY", "s3cret")
	t.Setenv("RV_EMPTY_KEY", "")

	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "literal", ref: "abc123", want: "abc123"},
		{name: "env", ref: "env:RV_TEST_KEY", want: "s3cret"},
		{name: "env unset", ref: "env:RV_MISSING_KEY", wantErr: true},
		{name: "env empty", ref: "env:RV_EMPTY_KEY", wantErr: true},
		{name: "empty", ref: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCredential(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownCredential))
				assert.True(t, IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockAdapter{name: "http:forensics"})
	reg.Register(&mockAdapter{name: "anthropic"})

	assert.Equal(t, []string{"anthropic", "http:forensics"}, reg.List())

	a, err := reg.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", a.Name())

	_, err = reg.Get("openai")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.True(t, IsConfigError(err))
}

func TestRegistry_Invoke(t *testing.T) {
	t.Setenv("RV_FORENSICS", "tok")
	a := &mockAdapter{name: "http:forensics"}
	payload := Payload{"urls": []string{"https://cdn.example.com/a.jpg"}}
	a.On("Call", mock.Anything, payload, "tok", 2*time.Second).
		Return(&Response{Provider: "http:forensics", Body: map[string]any{"manipulation_probability": 0.1}}, nil)

	reg := NewRegistry()
	reg.Register(a)

	resp, err := reg.Invoke(context.Background(),
		model.ServiceConfig{Enabled: true, Provider: "http:forensics", Credential: "env:RV_FORENSICS"},
		payload, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0.1, resp.Body["manipulation_probability"])
	a.AssertExpectations(t)
}

func TestRegistry_Invoke_ConfigErrorsSkipCall(t *testing.T) {
	a := &mockAdapter{name: "anthropic"}
	reg := NewRegistry()
	reg.Register(a)

	_, err := reg.Invoke(context.Background(), model.ServiceConfig{Provider: "anthropic", Credential: "env:RV_NOPE"}, nil, time.Second)
	assert.True(t, errors.Is(err, ErrUnknownCredential))

	_, err = reg.Invoke(context.Background(), model.ServiceConfig{Provider: "nope", Credential: "x"}, nil, time.Second)
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	a.AssertNotCalled(t, "Call", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("p", nil))

	err := classify("p", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrProviderTimeout))

	err = classify("p", resilience.ErrCircuitOpen)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Contains(t, err.Error(), "circuit open")

	err = classify("p", errors.New("boom"))
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.False(t, IsConfigError(err))

	already := classify("p", errors.New("x"))
	assert.Equal(t, already, classify("p", already))
}

func TestBuild(t *testing.T) {
	cfg := &config.Config{
		Anthropic: config.AnthropicConfig{Model: "claude-haiku-4-5-20251001"},
		Providers: map[string]config.ProviderConfig{
			"forensics": {BaseURL: "http://localhost:9999/analyze", RatePerSec: 5},
		},
	}
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())

	reg := Build(cfg, breakers)
	assert.Equal(t, []string{"anthropic", "http:forensics"}, reg.List())
	assert.Contains(t, breakers.States(), "http:forensics")
	assert.Contains(t, breakers.States(), "anthropic")
}
