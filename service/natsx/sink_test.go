package natsx

import (
	"testing"

	"SHProject/service/gateway"
)

func TestSinkSubjectLayout(t *testing.T) {
	s := NewSink(nil, "")
	ev := &gateway.Event{Kind: gateway.EventChatMessage, Platform: "twitch"}
	if got := s.subjectFor(ev); got != SubjectEvents+".twitch" {
		t.Fatalf("subjectFor = %q", got)
	}

	// 配置覆盖前缀后按配置分流，告警仍单走告警 subject
	s = NewSink(nil, "custom.events")
	if got := s.subjectFor(ev); got != "custom.events.twitch" {
		t.Fatalf("subjectFor with prefix = %q", got)
	}
	alert := &gateway.Event{Kind: gateway.EventSystemAlert, Platform: "twitch"}
	if got := s.subjectFor(alert); got != SubjectAlerts {
		t.Fatalf("alert subject = %q", got)
	}
}
