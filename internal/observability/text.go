package observability

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// NewTextLogger returns a Logger that writes one line per entry to w in the
// form "LEVEL msg key=value ...".
func NewTextLogger(w io.Writer) Logger {
	return &textLogger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

type textLogger struct {
	out *log.Logger
}

func (l *textLogger) Debug(msg string, fields ...Field) { l.write("DEBUG", msg, fields) }
func (l *textLogger) Info(msg string, fields ...Field)  { l.write("INFO", msg, fields) }
func (l *textLogger) Warn(msg string, fields ...Field)  { l.write("WARN", msg, fields) }
func (l *textLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *textLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.out.Print(b.String())
}
