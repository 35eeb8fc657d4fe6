package messagequeue

import (
	"fmt"
	"strings"
)

// DLQSuffix is appended to a topic to form its dead-letter topic.
const DLQSuffix = ".dlq"

// Subjects used by the built-in components.
const (
	SubjectDecisions = "decisions"
	SubjectRegistry  = "registry"
)

// Topic joins tenant, project, scope and subject into a topic name.
func Topic(tenant, project, scope, subject string, more ...string) string {
	parts := append([]string{tenant, project, scope, subject}, more...)
	return strings.Join(parts, ".")
}

// DLQTopic returns the dead-letter topic for topic.
func DLQTopic(topic string) string {
	return topic + DLQSuffix
}

// IsDLQ reports whether topic is a dead-letter topic.
func IsDLQ(topic string) bool {
	return strings.HasSuffix(topic, DLQSuffix)
}

// ValidateTopic checks the <tenant>.<project>.<scope>.<subject> convention.
// The subject may span several tokens. Tokens are non-empty and contain
// only letters, digits, '-' and '_'.
func ValidateTopic(topic string) error {
	tokens := strings.Split(topic, ".")
	if len(tokens) < 4 {
		return fmt.Errorf("topic %q: want <tenant>.<project>.<scope>.<subject>", topic)
	}
	for i, tok := range tokens {
		if tok == "" {
			return fmt.Errorf("topic %q: token %d is empty", topic, i)
		}
		for _, r := range tok {
			if !validTopicRune(r) {
				return fmt.Errorf("topic %q: invalid character %q", topic, r)
			}
		}
	}
	return nil
}

func validTopicRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
