// Package scheduler auto-starts tasks that carry a schedule.
//
// It only triggers; execution belongs to the task engine. A trigger that
// finds its task still running is skipped.
package scheduler
