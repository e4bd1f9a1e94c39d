// Package pipeline sequences the four analysis stages (classification,
// retrieval, analysis and validation) as an explicit state machine with a
// bounded revision loop.
//
// A [Pipeline] is built once and shared; it holds only the stage
// implementations and the transition [Graph]. Each call to [Pipeline.Run]
// owns a private [State], advances one stage at a time on the calling
// goroutine, and reports progress to an [Observer]. Stages never see the
// State itself: they receive plain inputs and return values that the run
// applies.
//
//	p, err := pipeline.New(router, researcher, analyst, critic,
//	    pipeline.WithMaxIterations(3))
//	out, err := p.Run(ctx, "show sales by region", encoder)
package pipeline
