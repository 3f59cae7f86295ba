package logging

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Log levels
const (
	Debug = "DEBUG"
	Info  = "INFO"
	Error = "ERROR"
)

var levelRank = map[string]int{
	Debug: 0,
	Info:  1,
	Error: 2,
}

var (
	logger       = log.New(os.Stdout, "", 0)
	currentLevel = Info
)

// SetLogLevel sets the current log level.
func SetLogLevel(level string) {
	if _, ok := levelRank[level]; ok {
		currentLevel = level
	}
}

// Log logs a message with file and line number information at the specified level.
func Log(level string, message string, args ...any) {
	if levelRank[level] < levelRank[currentLevel] {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if ok {
		_, filename := filepath.Split(file)
		timestamp := time.Now().Format("2006-01-02 15:04:05.999")
		message = fmt.Sprintf(message, args...)
		message = fmt.Sprintf("[%s][%s:%d][%s]\t%s", timestamp, filename, line, level, message)
	}
	logger.Println(message)
}

// NginxLog records an outbound HTTP exchange in access-log form.
func NginxLog(level string, method string, url string, req *http.Request, resp *http.Response) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	Log(level, "\"%s %s\" %d", method, url, status)
}

type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func (r *StatusRecorder) WriteHeader(statusCode int) {
	r.StatusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// RequestLogger wraps a handler with nginx-style access logging.
func RequestLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &StatusRecorder{
			ResponseWriter: w,
			StatusCode:     200,
		}

		h.ServeHTTP(recorder, r)
		clientIP := strings.Split(r.RemoteAddr, ":")[0]
		referer := r.Referer()
		if referer == "" {
			referer = "-"
		}
		Log(Info, "%s \"%s %s %s\" %d \"%s\" \"%s\"", clientIP, r.Method, r.URL.RequestURI(), r.Proto, recorder.StatusCode, referer, r.UserAgent())
	})
}
