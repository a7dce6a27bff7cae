package broker

import (
	"fmt"
	"strings"

	"github.com/c360studio/devflow/envelope"
)

// Fixed topics outside the per-stage set.
const (
	TopicCompletion = "tasks.completion"
	TopicEvents     = "orchestration.events"
	TopicFailures   = "orchestration.failures"
)

// OrchestratorGroup is the consumer group the orchestrator uses on every
// topic it observes.
const OrchestratorGroup = "orchestrator-group"

// Stream names. TASKS carries stage envelopes and completions,
// ORCHESTRATION carries control and failure events, DLQ holds rejects.
const (
	StreamTasks         = "TASKS"
	StreamOrchestration = "ORCHESTRATION"
	StreamDLQ           = "DLQ"
)

// StageTopic returns the stage's task topic, e.g. tasks.analysis.
func StageTopic(s envelope.Stage) string {
	return "tasks." + s.String()
}

// DLQTopic returns the stage's dead-letter topic, e.g. dlq.analysis.
func DLQTopic(s envelope.Stage) string {
	return "dlq." + s.String()
}

// StageGroup returns the consumer group stage workers share, e.g.
// analysis-agent-group.
func StageGroup(s envelope.Stage) string {
	return s.String() + "-agent-group"
}

// ParseStageTopic extracts the stage from a tasks.<stage> topic. Used when
// a worker is pointed at a topic via configuration.
func ParseStageTopic(topic string) (envelope.Stage, error) {
	name, ok := strings.CutPrefix(topic, "tasks.")
	if !ok {
		return "", fmt.Errorf("topic %q is not a stage topic", topic)
	}
	stage, err := envelope.ParseStage(name)
	if err != nil {
		return "", fmt.Errorf("topic %q: %w", topic, err)
	}
	return stage, nil
}

// StreamDef names a stream and the subjects it captures.
type StreamDef struct {
	Name     string
	Subjects []string
}

// Streams returns the three streams the pipeline requires. Connect ensures
// they exist.
func Streams() []StreamDef {
	return []StreamDef{
		{Name: StreamTasks, Subjects: []string{"tasks.>"}},
		{Name: StreamOrchestration, Subjects: []string{"orchestration.>"}},
		{Name: StreamDLQ, Subjects: []string{"dlq.>"}},
	}
}

// StreamForTopic maps a topic onto the stream that stores it.
func StreamForTopic(topic string) (string, error) {
	switch {
	case strings.HasPrefix(topic, "tasks."):
		return StreamTasks, nil
	case strings.HasPrefix(topic, "orchestration."):
		return StreamOrchestration, nil
	case strings.HasPrefix(topic, "dlq."):
		return StreamDLQ, nil
	}
	return "", fmt.Errorf("no stream for topic %q", topic)
}

// durableName builds a JetStream-safe durable consumer name for a group
// bound to one topic. Dots are not allowed in consumer names.
func durableName(group, topic string) string {
	return group + "-" + strings.ReplaceAll(topic, ".", "-")
}
