// Package notifier runs the relay buffer inside the daemon.
//
// Messages arrive through Notify (CLI, HTTP intake, forwarded log lines),
// pass an optional dedup window and land in a relay.Buffer. Batches leave on
// threshold, on unbuffered messages, on the cron flush schedule, on explicit
// Flush calls and once more at Stop.
//
// # Reporting
//
// The buffer itself never logs. Every flush Result is reported here: logged
// (failures include the dropped payload, truncated), published on the event
// bus, counted by the Recorder, appended to the storage journal and kept in a
// small in-memory history.
package notifier
