package mirror

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TopicMapping is an immutable source-topic -> destination-topic table.
// Built once at startup; never mutated. A missing entry means identity
// mapping.
type TopicMapping map[string]string

// Lookup returns the destination topic for sourceTopic, or sourceTopic
// itself if no mapping was loaded for it.
func (m TopicMapping) Lookup(sourceTopic string) string {
	if dest, ok := m[sourceTopic]; ok {
		return dest
	}
	return sourceTopic
}

// LoadTopicMapping parses a topic-mapping file: UTF-8 text, one mapping per
// line, format "<consumer-topic><whitespace><producer-topic>". Lines that
// don't match are logged and skipped.
func LoadTopicMapping(path string) (TopicMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open topic mapping file")
	}
	defer f.Close()

	m, err := parseTopicMapping(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse topic mapping file")
	}
	return m, nil
}

func parseTopicMapping(r io.Reader) (TopicMapping, error) {
	m := make(TopicMapping)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			logrus.WithField("line", lineNo).WithField("text", line).
				Error("skipping malformed topic mapping line")
			continue
		}
		m[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}
