// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Each chat session owns a lane, so its turns never overlap while different
// sessions proceed concurrently.
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:6281", func(ctx context.Context) (interface{}, error) {
//		return runner.RunTurn(ctx, prompt)
//	})
package commandqueue
