// Package events defines the runner event taxonomy and the emitter that
// carries it between pools, runners, workers and reporters.
package events

// Event identifies a runner event by its wire name.
type Event string

const (
	Cli             Event = "cli"
	Init            Event = "init"
	Begin           Event = "begin"
	RunnerStart     Event = "startRunner"
	RunnerEnd       Event = "endRunner"
	BeforeEndRunner Event = "beforeEndRunner"
	SessionStart    Event = "startSession"
	SessionEnd      Event = "endSession"
	Exit            Event = "exit"

	BeforeFileRead Event = "beforeFileRead"
	AfterFileRead  Event = "afterFileRead"
	AfterTestsRead Event = "afterTestsRead"

	SuiteBegin  Event = "beginSuite"
	SuiteEnd    Event = "endSuite"
	TestBegin   Event = "beginTest"
	TestEnd     Event = "endTest"
	TestPass    Event = "passTest"
	TestFail    Event = "failTest"
	TestPending Event = "pendingTest"
	Retry       Event = "retry"

	Info    Event = "info"
	Warning Event = "warning"
	Error   Event = "err"
)

var asyncEvents = map[Event]bool{
	Init:            true,
	RunnerStart:     true,
	RunnerEnd:       true,
	BeforeEndRunner: true,
	SessionStart:    true,
	SessionEnd:      true,
	Begin:           true,
	Exit:            true,
}

// IsAsync reports whether listeners of e are awaited with EmitAndWait.
func IsAsync(e Event) bool {
	return asyncEvents[e]
}

// RunnerEvents are re-emitted by every runner layer towards its parent.
var RunnerEvents = []Event{
	SuiteBegin,
	SuiteEnd,
	TestBegin,
	TestEnd,
	TestPass,
	TestFail,
	TestPending,
	Retry,
	Info,
	Warning,
	Error,
}

// TestEvents are the per-test subset of RunnerEvents.
var TestEvents = []Event{
	TestBegin,
	TestEnd,
	TestPass,
	TestFail,
	TestPending,
	Retry,
}

// All lists every event in declaration order.
var All = []Event{
	Cli, Init, Begin, RunnerStart, RunnerEnd, BeforeEndRunner, SessionStart, SessionEnd, Exit,
	BeforeFileRead, AfterFileRead, AfterTestsRead,
	SuiteBegin, SuiteEnd, TestBegin, TestEnd, TestPass, TestFail, TestPending, Retry,
	Info, Warning, Error,
}
