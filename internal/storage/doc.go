// Package storage persists the relay's flush journal and, optionally, the
// notifier dedup state so it survives restarts.
package storage
