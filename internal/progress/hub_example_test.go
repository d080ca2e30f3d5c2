package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// ExampleHub follows one analysis through the Hub and tallies stage
// latency with a SinkFunc. Close flushes whatever is still buffered.
func ExampleHub() {
	stageTime := map[analysis.Stage]time.Duration{}
	var terminal Kind
	tally := SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Kind == KindStageDone {
				stageTime[evt.Stage] += evt.Dur
			}
			if evt.Terminal() {
				terminal = evt.Kind
			}
		}
		return nil
	})
	hub := NewHub(Config{MaxBatchWait: time.Hour}, tally)

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	hub.Emit(Event{JobID: "job-7", TS: at, Kind: KindJobQueued, Status: analysis.StatusPending})
	for i, stage := range []analysis.Stage{analysis.StageScan, analysis.StageExtract, analysis.StageGenerate} {
		hub.Emit(Event{JobID: "job-7", TS: at, Kind: KindStageDone, Stage: stage, Dur: time.Duration(i+1) * time.Second})
	}
	hub.Emit(Event{JobID: "job-7", TS: at, Kind: KindJobDone, Status: analysis.StatusCompleted})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println("scan:", stageTime[analysis.StageScan])
	fmt.Println("generate:", stageTime[analysis.StageGenerate])
	fmt.Println("terminal:", terminal)
	// Output:
	// scan: 1s
	// generate: 3s
	// terminal: JOB_DONE
}
