package notify

import "log"

// Sink receives user-visible events. The production implementation is
// platform-provided (local notification banners); the engine only ever
// talks to this interface.
type Sink interface {
	Notify(title, body string)
}

// LogSink writes notifications to the process log. Used as the default
// sink when no platform sink is wired in.
type LogSink struct{}

func (LogSink) Notify(title, body string) {
	log.Printf("[Notify] %s: %s", title, body)
}
