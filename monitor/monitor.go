// Copyright 2025 StrongDM Inc
// SPDX-License-Identifier: Apache-2.0

// Package monitor defines the narrow capability the backup, restore,
// and validate pipelines use to report progress, without coupling any
// of them to a particular UI or logging backend.
package monitor

import "log/slog"

// TaskHandle represents one in-progress named task; Finish ends it.
type TaskHandle interface {
	Finish()
}

// Monitor is the capability a pipeline depends on to report counters,
// long-running tasks, and non-fatal problems it encounters along the
// way. The pipelines never call the log package directly: a Monitor
// implementation is the only place that decision gets made.
type Monitor interface {
	Counter(name string, n int64)
	StartTask(name string) TaskHandle
	Problem(description string)
}

// Noop discards everything. It is the zero-value default so callers
// that don't care about progress reporting don't need to construct
// anything.
type Noop struct{}

func (Noop) Counter(string, int64)       {}
func (Noop) StartTask(string) TaskHandle { return noopTask{} }
func (Noop) Problem(string)              {}

type noopTask struct{}

func (noopTask) Finish() {}

// Slog logs every call through a *slog.Logger: counters at Debug, task
// start/finish at Info, problems at Warn.
type Slog struct {
	Logger *slog.Logger
}

// NewSlog returns a Slog monitor. If logger is nil, slog.Default() is used.
func NewSlog(logger *slog.Logger) Slog {
	if logger == nil {
		logger = slog.Default()
	}
	return Slog{Logger: logger}
}

func (s Slog) Counter(name string, n int64) {
	s.Logger.Debug("counter", "name", name, "n", n)
}

func (s Slog) StartTask(name string) TaskHandle {
	s.Logger.Info("task started", "name", name)
	return slogTask{logger: s.Logger, name: name}
}

func (s Slog) Problem(description string) {
	s.Logger.Warn("problem", "description", description)
}

type slogTask struct {
	logger *slog.Logger
	name   string
}

func (t slogTask) Finish() {
	t.logger.Info("task finished", "name", t.name)
}
