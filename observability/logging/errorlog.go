package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrorLog appends diagnosable request failure blocks to a size-rotated file.
// A failed run is always reconstructable from disk without re-running it.
type ErrorLog struct {
	mu  sync.Mutex
	w   io.WriteCloser
	now func() time.Time
}

// NewErrorLog opens (creating if needed) the rotating error log at path.
func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			Compress:   true,
		},
		now: time.Now,
	}
}

// Append records one failed request with enough context to reproduce it.
// The request body is masked before it is written.
func (l *ErrorLog) Append(method, node string, example int, request map[string]any, response json.RawMessage, callErr error) error {
	if l == nil {
		return nil
	}
	reqJSON, err := json.MarshalIndent(MaskBody(request), "", "  ")
	if err != nil {
		reqJSON = []byte(fmt.Sprintf("%q", err.Error()))
	}
	respJSON := []byte("null")
	if len(response) > 0 {
		respJSON = response
	}
	errText := ""
	if callErr != nil {
		errText = callErr.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, writeErr := fmt.Fprintf(l.w,
		"----------- ERROR LOG -----------\n"+
			"Timestamp: %s\nMethod: %s\nNode: %s\nExample: %d\nError: %s\n"+
			"Request Body: %s\nResponse: %s\n"+
			"---------------------------------\n\n",
		l.now().Format(time.DateTime), method, node, example, errText, reqJSON, respJSON)
	return writeErr
}

// Close flushes and closes the underlying file.
func (l *ErrorLog) Close() error {
	if l == nil || l.w == nil {
		return nil
	}
	return l.w.Close()
}
