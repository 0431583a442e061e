package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Field names with a dedicated slot in the line prefix.
const (
	FieldNode = "node"
	FieldTerm = "term"
)

const defaultTimestampFormat = "15:04:05.000"

// New returns a logger that writes colored lines to stderr at the given level ("debug", "info", ...).
func New(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(lvl)
	l.SetFormatter(&Formatter{})
	return l, nil
}

// Discard returns a logger that drops everything. Used when a component is built without a logger.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}

// Formatter renders entries as
//
//	15:04:05.000 INFO  [Node2] [TERM-3] message key=value
//
// with the level label colored.
type Formatter struct {
	TimestampFormat string
	DisableColors   bool
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.TraceLevel: color.New(color.FgCyan),
	logrus.DebugLevel: color.New(color.FgGreen),
	logrus.InfoLevel:  color.New(color.FgWhite),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
}

func levelLabel(lvl logrus.Level) string {
	if lvl == logrus.WarnLevel {
		return "WARN"
	}
	return strings.ToUpper(lvl.String())
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = defaultTimestampFormat
	}

	var b bytes.Buffer
	b.WriteString(e.Time.Format(tsFormat))
	b.WriteByte(' ')

	label := fmt.Sprintf("%-5s", levelLabel(e.Level))
	if c, ok := levelColors[e.Level]; ok && !f.DisableColors {
		label = c.Sprint(label)
	}
	b.WriteString(label)

	if node, ok := e.Data[FieldNode]; ok {
		fmt.Fprintf(&b, " [%v]", node)
	}
	if term, ok := e.Data[FieldTerm]; ok {
		fmt.Fprintf(&b, " [TERM-%v]", term)
	}

	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == FieldNode || k == FieldTerm {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
