package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skritek/pagepilot/api/schemas"
)

const defaultViewportHeight = 720

// NewBuiltinRegistry assembles the standard action catalog. Every episode
// runs against this set unless a caller registers more.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()

	r.MustRegister(&Action{
		Name:        "navigate",
		Description: "Navigate the current tab to a URL.",
		Params: ObjectSchema(map[string]Property{
			"url": StringProperty("Destination URL. Scheme defaults to https."),
		}, "url"),
		Handler: handleNavigate,
	})

	r.MustRegister(&Action{
		Name:        "go_back",
		Description: "Go back one entry in the tab's history.",
		Params:      ObjectSchema(nil),
		Handler: func(ctx context.Context, env *Env, _ Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{Verb: schemas.VerbBack})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "click",
		Description: "Click an element by its index.",
		Params: ObjectSchema(map[string]Property{
			"index": IntProperty("Element index from the current page view."),
		}, "index"),
		Handler: func(ctx context.Context, env *Env, _ Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:      schemas.VerbClick,
				TargetRef: env.Target.Ref,
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "type_text",
		Description: "Type text into an input element.",
		Params: ObjectSchema(map[string]Property{
			"index": IntProperty("Element index from the current page view."),
			"text":  StringProperty("Text to type."),
			"clear": BoolProperty("Clear the field first.").WithDefault(true),
		}, "index", "text"),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:      schemas.VerbType,
				TargetRef: env.Target.Ref,
				Text:      p.String("text"),
				Clear:     p.BoolOr("clear", true),
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "select_option",
		Description: "Select an option of a dropdown by value or label.",
		Params: ObjectSchema(map[string]Property{
			"index": IntProperty("Element index of the select."),
			"value": StringProperty("Option value or visible label."),
		}, "index", "value"),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:      schemas.VerbSelect,
				TargetRef: env.Target.Ref,
				Value:     p.String("value"),
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "scroll",
		Description: "Scroll the page by a number of viewport heights.",
		Params: ObjectSchema(map[string]Property{
			"direction": StringEnumProperty("Scroll direction.", "down", "up").WithDefault("down"),
			"pages":     NumberProperty("How many viewport heights to scroll.").Bounded(0.1, 10).WithDefault(1.0),
		}),
		Handler: handleScroll,
	})

	r.MustRegister(&Action{
		Name:        "scroll_to",
		Description: "Scroll an element into view by its index.",
		Params: ObjectSchema(map[string]Property{
			"index": IntProperty("Element index from the current page view."),
		}, "index"),
		Handler: func(ctx context.Context, env *Env, _ Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:      schemas.VerbScrollTo,
				TargetRef: env.Target.Ref,
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "send_keys",
		Description: "Send keyboard keys to the page, e.g. Enter or Control+A.",
		Params: ObjectSchema(map[string]Property{
			"keys": StringProperty("Key or key combination to send."),
		}, "keys"),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb: schemas.VerbSendKeys,
				Text: p.String("keys"),
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "open_tab",
		Description: "Open a new tab, optionally at a URL, and switch to it.",
		Params: ObjectSchema(map[string]Property{
			"url": StringProperty("URL for the new tab. Blank opens an empty tab."),
		}),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb: schemas.VerbOpenTab,
				URL:  normalizeURL(p.String("url")),
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "close_tab",
		Description: "Close a tab by its index from the tab list.",
		Params: ObjectSchema(map[string]Property{
			"tab": IntProperty("Tab index from the tab list."),
		}, "tab"),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			tab, _ := p.Int("tab")
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:     schemas.VerbCloseTab,
				TabIndex: tab,
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "switch_tab",
		Description: "Switch to a tab by its index from the tab list.",
		Params: ObjectSchema(map[string]Property{
			"tab": IntProperty("Tab index from the tab list."),
		}, "tab"),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			tab, _ := p.Int("tab")
			_, err := env.Browser.Dispatch(ctx, schemas.Command{
				Verb:     schemas.VerbSwitchTab,
				TabIndex: tab,
			})
			return &Result{}, err
		},
	})

	r.MustRegister(&Action{
		Name:        "extract_text",
		Description: "Extract the visible text of the page, or of one element.",
		Params: ObjectSchema(map[string]Property{
			"index":    IntProperty("Element index to extract from. Omit for the whole page."),
			"remember": BoolProperty("Keep the extracted text in memory for later steps.").WithDefault(true),
		}),
		Handler: func(ctx context.Context, env *Env, p Params) (*Result, error) {
			cmd := schemas.Command{Verb: schemas.VerbExtractText}
			if env.Target != nil {
				cmd.TargetRef = env.Target.Ref
			}
			res, err := env.Browser.Dispatch(ctx, cmd)
			if err != nil {
				return nil, err
			}
			return &Result{
				Extracted:       res.Text,
				IncludeInMemory: p.BoolOr("remember", true),
			}, nil
		},
	})

	r.MustRegister(&Action{
		Name:        "screenshot",
		Description: "Capture a screenshot of the viewport into the artifacts directory.",
		Params:      ObjectSchema(nil),
		Handler:     handleScreenshot,
	})

	r.MustRegister(&Action{
		Name:        "wait",
		Description: "Wait for the page to settle.",
		Params: ObjectSchema(map[string]Property{
			"seconds": NumberProperty("How long to wait.").Bounded(0, 30).WithDefault(1.0),
		}),
		Handler: func(ctx context.Context, _ *Env, p Params) (*Result, error) {
			d := time.Duration(p.FloatOr("seconds", 1) * float64(time.Second))
			select {
			case <-time.After(d):
				return &Result{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	r.MustRegister(&Action{
		Name:        "done",
		Description: "Declare the task finished. Use success=false when giving up.",
		Params: ObjectSchema(map[string]Property{
			"success": BoolProperty("Whether the task was accomplished."),
			"summary": StringProperty("Final answer or outcome summary for the caller."),
		}, "success"),
		Terminal: true,
		Handler: func(_ context.Context, _ *Env, p Params) (*Result, error) {
			success, _ := p.Bool("success")
			return &Result{
				Done:    true,
				Success: success,
				Summary: p.String("summary"),
			}, nil
		},
	})

	return r
}

func handleNavigate(ctx context.Context, env *Env, p Params) (*Result, error) {
	url := normalizeURL(p.String("url"))
	if url == "" {
		return nil, fmt.Errorf("empty url")
	}
	_, err := env.Browser.Dispatch(ctx, schemas.Command{
		Verb: schemas.VerbNavigate,
		URL:  url,
	})
	return &Result{}, err
}

func handleScroll(ctx context.Context, env *Env, p Params) (*Result, error) {
	height := defaultViewportHeight
	if env.View != nil && env.View.Tree().Viewport.Height > 0 {
		height = env.View.Tree().Viewport.Height
	}
	delta := p.FloatOr("pages", 1) * float64(height)
	if p.String("direction") == "up" {
		delta = -delta
	}
	_, err := env.Browser.Dispatch(ctx, schemas.Command{
		Verb:   schemas.VerbScrollBy,
		DeltaY: delta,
	})
	return &Result{}, err
}

func handleScreenshot(ctx context.Context, env *Env, _ Params) (*Result, error) {
	if env.ArtifactsDir == "" {
		return nil, fmt.Errorf("artifacts directory not configured")
	}
	png, err := env.Browser.CaptureScreenshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(env.ArtifactsDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(env.ArtifactsDir, fmt.Sprintf("%s-step%03d.png", env.EpisodeID, env.StepIndex))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return nil, err
	}
	return &Result{Extracted: "screenshot saved to " + path}, nil
}

// normalizeURL defaults the scheme to https when the model omits it.
func normalizeURL(url string) string {
	if url == "" {
		return ""
	}
	if strings.Contains(url, "://") || strings.HasPrefix(url, "about:") {
		return url
	}
	return "https://" + url
}
