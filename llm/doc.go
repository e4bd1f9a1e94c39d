// Package llm is the text-completion collaborator used by the pipeline
// stages. It wraps the gollm library behind a narrow Completer interface,
// classifies provider failures into transient, content-policy and
// unavailable kinds, and retries transient failures with exponential backoff.
//
// # Quick Start
//
//	base, _ := llm.NewGollmCompleter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := llm.NewClient(base, llm.WithRetryPolicy(llm.DefaultRetryPolicy()))
//
//	text, err := client.Complete(ctx, llm.Prompt{
//	    System: "You are a query classifier.",
//	    User:   "show sales by region",
//	})
package llm
