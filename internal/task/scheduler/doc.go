// Package scheduler turns cron specs, intervals and one-shot times into tasks
// queued on the task engine. It never runs jobs itself.
package scheduler
