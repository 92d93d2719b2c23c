package plugin

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

type greetInput struct {
	Name     string `json:"name" validate:"required"`
	Age      int    `json:"age" validate:"gte=0,lte=150"`
	Greeting string `json:"greeting" default:"Hello"`
}

type greetOutput struct {
	Message string `json:"message"`
}

func greet(ctx context.Context, in greetInput) (greetOutput, error) {
	return greetOutput{Message: fmt.Sprintf("%s, %s (%d)", in.Greeting, in.Name, in.Age)}, nil
}

func TestHandler(t *testing.T) {
	h := Handler(greet)

	tests := []struct {
		name       string
		params     map[string]any
		pathParams map[string]string
		want       string
		wantErr    bool
	}{
		{name: "params", params: map[string]any{"name": "Ada", "age": float64(36)}, want: "Hello, Ada (36)"},
		{name: "weak typing", params: map[string]any{"name": "Ada", "age": "36", "greeting": "Hi"}, want: "Hi, Ada (36)"},
		{name: "path param wins", params: map[string]any{"name": "Bob"}, pathParams: map[string]string{"name": "Ada"}, want: "Hello, Ada (0)"},
		{name: "missing required", params: map[string]any{"age": 3}, wantErr: true},
		{name: "out of range", params: map[string]any{"name": "Ada", "age": 200}, wantErr: true},
		{name: "undecodable", params: map[string]any{"name": "Ada", "age": "old"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h(context.Background(), &router.HandlerRequest{
				Method:     "POST",
				Path:       "/greet",
				Params:     tt.params,
				PathParams: tt.pathParams,
			})
			if tt.wantErr {
				if !errors.Is(err, flowerr.ErrValidation) {
					t.Fatalf("err = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := out.(greetOutput).Message; got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandler_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	h := Handler(func(ctx context.Context, in struct{}) (map[string]any, error) {
		return nil, boom
	})

	if _, err := h(context.Background(), &router.HandlerRequest{}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
