package execution

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/RezaEskandarii/gofire/internal/constants"
	"github.com/cockroachdb/errors"
)

type exceptionDetails struct {
	Message    string `json:"message"`
	StackFrame string `json:"stack_frame,omitempty"`
}

// summarize renders a bounded exception record: the head of the message and
// the frame that created the error, never the whole chain.
func summarize(err error) string {
	if err == nil {
		return ""
	}
	d := exceptionDetails{
		Message:    truncate(err.Error(), constants.MaxExceptionMessageLength),
		StackFrame: originFrame(err),
	}
	b, mErr := json.Marshal(d)
	if mErr != nil {
		return d.Message
	}
	return string(b)
}

// originFrame returns the innermost recorded frame of err's chain.
func originFrame(err error) string {
	var st *errors.ReportableStackTrace
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		if s := errors.GetReportableStackTrace(e); s != nil && len(s.Frames) > 0 {
			st = s
		}
	}
	if st == nil {
		return ""
	}
	// Frames run outermost first; the last one is where the error was made.
	f := st.Frames[len(st.Frames)-1]
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.Filename, f.Lineno)
}

// withOrigin attaches the caller's stack to errors that carry none, such as
// fmt.Errorf results returned by handlers.
func withOrigin(err error) error {
	if err == nil || originFrame(err) != "" {
		return err
	}
	return errors.WithStackDepth(err, 1)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
