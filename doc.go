// Package newsdigest runs recurring news-analysis tasks on top of asynq.
//
// A Scheduler keeps one cron entry per task. Each fire enqueues a tick job,
// and the Pipeline carries the run through its stages:
//
//	tick -> fetch -> analyze -> notify
//
// Every stage is its own queue with its own worker pool (see Processor).
// Job IDs are derived from task and execution IDs, so duplicate enqueues
// collapse into one job. Execution state lives in the store and moves only
// through conditional updates. Each status change enqueues a notify job,
// which hands the event to a NotificationSink.
//
// Quick start:
//  1. Open a store with store.Open and create a Client.
//  2. Build a Scheduler, a Pipeline and a Processor.
//  3. Start the processor with Pipeline.Handlers, then start the scheduler.
//  4. Drive tasks through Service.
package newsdigest
